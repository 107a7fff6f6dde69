package services

import (
	"fmt"
	"strings"

	"github/itish2003/retrieval/models"
)

// FormatContext renders passages as a CONTEXT block for a chat prompt. The
// passage text is cut off once maxWords words have been written; maxWords
// of zero or less means no limit.
func FormatContext(passages []models.RetrievedPassage, maxWords int) string {
	if len(passages) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("CONTEXT:\n")
	written := 0
	for i, p := range passages {
		words := strings.Fields(p.Text)
		if maxWords > 0 {
			remaining := maxWords - written
			if remaining <= 0 {
				break
			}
			if len(words) > remaining {
				words = append(words[:remaining:remaining], "...")
			}
		}
		written += len(words)

		label := p.Source
		if name := p.Metadata[models.MetaCandidateName]; name != "" {
			label += " - " + name
		}
		fmt.Fprintf(&sb, "[%d] [source:%s score:%.3f]\n%s\n", i+1, label, p.Score, strings.Join(words, " "))
		if i < len(passages)-1 {
			sb.WriteByte('\n')
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
