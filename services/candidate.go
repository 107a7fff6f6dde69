package services

import (
	"regexp"
	"strings"

	"github/itish2003/retrieval/models"
)

// Name patterns, tried in order.
var candidateNamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Name:\s*(.+)`),
	regexp.MustCompile(`(?i)Resume\s*of\s*(.+)`),
	regexp.MustCompile(`(?i)Personal\s*Details[\s\S]*?Name[^a-zA-Z0-9]*([a-zA-Z ]+)`),
	regexp.MustCompile(`(?m)^([A-Z][a-z]+ [A-Z][a-z]+)\s*$`),
}

var (
	skillsPattern         = regexp.MustCompile(`(?i)Skills:([\s\S]+?)(?:\n\n|\z)`)
	certificationsPattern = regexp.MustCompile(`(?i)Certifications:([\s\S]+?)(?:\n\n|\z)`)
)

// ExtractCandidateInfo pulls CV fields out of raw text. The result always
// holds the source; candidate_name, skills and certifications are set when
// found.
func ExtractCandidateInfo(text, filename string) map[string]string {
	info := map[string]string{models.MetaSource: filename}

	for _, pattern := range candidateNamePatterns {
		if m := pattern.FindStringSubmatch(text); m != nil {
			if name := strings.TrimSpace(m[1]); name != "" {
				info[models.MetaCandidateName] = name
				break
			}
		}
	}
	if m := skillsPattern.FindStringSubmatch(text); m != nil {
		if skills := strings.TrimSpace(m[1]); skills != "" {
			info[models.MetaSkills] = skills
		}
	}
	if m := certificationsPattern.FindStringSubmatch(text); m != nil {
		if certs := strings.TrimSpace(m[1]); certs != "" {
			info[models.MetaCertifications] = certs
		}
	}
	return info
}

// EnrichCandidate merges CV fields into the document metadata and, when a
// name was found, prefixes the text with "Candidate: <name>".
func EnrichCandidate(doc models.Document) models.Document {
	info := ExtractCandidateInfo(doc.Text, doc.Source)

	meta := make(map[string]string, len(doc.Metadata)+len(info))
	for k, v := range doc.Metadata {
		meta[k] = v
	}
	for k, v := range info {
		if _, exists := meta[k]; exists && k == models.MetaSource {
			continue
		}
		meta[k] = v
	}
	doc.Metadata = meta

	if name, ok := info[models.MetaCandidateName]; ok {
		doc.Text = "Candidate: " + name + "\n" + doc.Text
	}
	return doc
}
