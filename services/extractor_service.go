package services

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	pdflib "github.com/ledongthuc/pdf"
	"github.com/unidoc/unipdf/v3/common/license"
	"github.com/unidoc/unipdf/v3/extractor"
	"github.com/unidoc/unipdf/v3/model"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github/itish2003/retrieval/models"
)

// Source is a document format that can produce plain text.
type Source interface {
	Kind() models.DocumentKind
	ExtractText() (string, error)
}

// PlainTextSource reads a file as-is.
type PlainTextSource struct {
	Path string
}

func (s PlainTextSource) Kind() models.DocumentKind { return models.KindPlainText }

func (s PlainTextSource) ExtractText() (string, error) {
	content, err := os.ReadFile(s.Path)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// MarkdownSource strips Markdown markup, keeping headings, paragraphs,
// list items and code.
type MarkdownSource struct {
	Path string
}

func (s MarkdownSource) Kind() models.DocumentKind { return models.KindMarkdown }

func (s MarkdownSource) ExtractText() (string, error) {
	src, err := os.ReadFile(s.Path)
	if err != nil {
		return "", err
	}
	return markdownToText(src), nil
}

func markdownToText(src []byte) string {
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var buf bytes.Buffer
	newline := func(n int) {
		trimmed := bytes.TrimRight(buf.Bytes(), "\n")
		if len(trimmed) == 0 {
			buf.Reset()
			return
		}
		buf.Truncate(len(trimmed))
		buf.WriteString(strings.Repeat("\n", n))
	}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			switch n.Kind() {
			case ast.KindDocument:
			case ast.KindListItem:
				newline(1)
			default:
				if n.Type() == ast.TypeBlock {
					newline(2)
				}
			}
			return ast.WalkContinue, nil
		}

		switch node := n.(type) {
		case *ast.Text:
			buf.Write(node.Segment.Value(src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				buf.WriteByte('\n')
			}
		case *ast.String:
			buf.Write(node.Value)
		case *ast.CodeBlock, *ast.FencedCodeBlock, *ast.HTMLBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				line := lines.At(i)
				buf.Write(line.Value(src))
			}
			newline(2)
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(buf.String())
}

// PDFSource extracts page text from a PDF. With Licensed set, UniPDF is
// tried first and ledongthuc/pdf is used when it fails.
type PDFSource struct {
	Path     string
	Licensed bool
}

func (s PDFSource) Kind() models.DocumentKind { return models.KindPDF }

func (s PDFSource) ExtractText() (string, error) {
	if s.Licensed {
		content, err := extractTextWithUnipdf(s.Path)
		if err == nil {
			return content, nil
		}
		log.Printf("INDEXER WARN: unipdf failed on %s, falling back: %v", s.Path, err)
	}
	return extractTextWithPdflib(s.Path)
}

// extractTextWithUnipdf uses UniPDF to get all text from a PDF file.
func extractTextWithUnipdf(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	pdfReader, err := model.NewPdfReader(f)
	if err != nil {
		return "", err
	}

	numPages, err := pdfReader.GetNumPages()
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for i := 1; i <= numPages; i++ {
		page, err := pdfReader.GetPage(i)
		if err != nil {
			return "", err
		}
		ex, err := extractor.New(page)
		if err != nil {
			return "", err
		}
		pageText, err := ex.ExtractText()
		if err != nil {
			return "", fmt.Errorf("page %d: %w", i, err)
		}
		sb.WriteString(pageText)
		sb.WriteString("\n\n")
	}
	return sb.String(), nil
}

func extractTextWithPdflib(path string) (string, error) {
	f, reader, err := pdflib.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			log.Printf("INDEXER WARN: skipping page %d of %s: %v", i, path, err)
			continue
		}
		sb.WriteString(pageText)
		sb.WriteString("\n\n")
	}
	return sb.String(), nil
}

// SetPDFLicense registers a UniDoc metered key. It reports whether licensed
// extraction is available; an empty key leaves it disabled.
func SetPDFLicense(key string) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, nil
	}
	if err := license.SetMeteredKey(key); err != nil {
		return false, fmt.Errorf("failed to set Unidoc license key: %w", err)
	}
	return true, nil
}

// IsSupportedFile reports whether SourceForFile can handle path.
func IsSupportedFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".markdown", ".pdf":
		return true
	default:
		return false
	}
}

// SourceForFile picks the source variant for path by extension.
func SourceForFile(path string, pdfLicensed bool) (Source, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".txt":
		return PlainTextSource{Path: path}, nil
	case ".md", ".markdown":
		return MarkdownSource{Path: path}, nil
	case ".pdf":
		return PDFSource{Path: path, Licensed: pdfLicensed}, nil
	default:
		return nil, fmt.Errorf("unsupported file type %q: %w", ext, models.ErrConfig)
	}
}

// LoadOptions controls how files become documents. Files under Root are
// named by their path relative to it.
type LoadOptions struct {
	Root             string
	PDFLicensed      bool
	EnrichCandidates bool
}

// sourceName returns path relative to root with forward slashes, or the
// base name when root is empty or path lies outside it.
func sourceName(root, path string) string {
	if root != "" {
		rel, err := filepath.Rel(root, path)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return filepath.ToSlash(rel)
		}
	}
	return filepath.Base(path)
}

// LoadDocument reads path into a Document. The source is the file's name
// relative to opts.Root and the metadata carries its content hash.
func LoadDocument(path string, opts LoadOptions) (models.Document, error) {
	src, err := SourceForFile(path, opts.PDFLicensed)
	if err != nil {
		return models.Document{}, err
	}
	content, err := src.ExtractText()
	if err != nil {
		return models.Document{}, fmt.Errorf("extract %s: %w", path, err)
	}
	hash, err := calculateFileHash(path)
	if err != nil {
		return models.Document{}, fmt.Errorf("hash %s: %w", path, err)
	}

	name := sourceName(opts.Root, path)
	doc := models.Document{
		ID:     name,
		Source: name,
		Kind:   src.Kind(),
		Text:   content,
		Metadata: map[string]string{
			models.MetaSource:   name,
			models.MetaFileHash: hash,
		},
	}
	if opts.EnrichCandidates {
		doc = EnrichCandidate(doc)
	}
	return doc, nil
}

func calculateFileHash(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
