// Package extract turns downloaded PDFs into title/abstract records.
//
// DecodeText is the only part that touches the PDF format; ParseFields is a
// pure function over the decoded text.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
)

// ErrDecode marks artifacts whose text could not be recovered.
var ErrDecode = fmt.Errorf("unreadable or corrupt PDF: %w", harvest.ErrParse)

var (
	// The marker may appear anywhere after the title line. Only
	// "Introduction" ends the abstract besides a blank line; other first
	// headings run on to the end.
	abstractPattern = regexp.MustCompile(
		`\b(?i:abstract)\b[ \t]*:?\s*((?s:.*?))(?:\n[ \t]*\n|Introduction|INTRODUCTION|\z)`)
	trailingSectionNumber = regexp.MustCompile(`\n[ \t]*\d+\.?[ \t]*\z`)
)

// PDFExtractor implements harvest.Extractor.
type PDFExtractor struct{}

// New returns a PDFExtractor.
func New() *PDFExtractor {
	return &PDFExtractor{}
}

// Extract decodes data and parses its fields. Partition and Filename are
// left for the caller.
func (e *PDFExtractor) Extract(data []byte) (harvest.ExtractionRecord, error) {
	text, err := DecodeText(data)
	if err != nil {
		return harvest.ExtractionRecord{}, err
	}
	title, abstract := ParseFields(text)
	return harvest.ExtractionRecord{Title: title, Abstract: abstract}, nil
}

// DecodeText extracts plain text from a PDF. Decoder panics on malformed
// input are converted into ErrDecode.
func DecodeText(data []byte) (text string, err error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty artifact: %w", ErrDecode)
	}
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("pdf decoder panic: %v: %w", r, ErrDecode)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w: %w", ErrDecode, err)
	}
	pages := make([]string, 0, reader.NumPage())
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		if lines := pageLines(page.Content().Text); len(lines) > 0 {
			pages = append(pages, strings.Join(lines, "\n"))
		}
	}
	text = strings.TrimSpace(strings.Join(pages, "\n\n"))
	if text == "" {
		return "", ErrDecode
	}
	return text, nil
}

// pageLines rebuilds text lines from positioned glyphs in content-stream
// order. A baseline move of more than half the font size starts a new line;
// a horizontal gap wider than a fifth of it becomes a space.
func pageLines(glyphs []pdf.Text) []string {
	var (
		lines []string
		cur   strings.Builder
		prev  *pdf.Text
	)
	flush := func() {
		if line := strings.TrimSpace(cur.String()); line != "" {
			lines = append(lines, line)
		}
		cur.Reset()
	}
	for i := range glyphs {
		g := &glyphs[i]
		if strings.TrimFunc(g.S, isNoise) == "" {
			continue
		}
		if prev != nil {
			size := math.Max(math.Max(g.FontSize, prev.FontSize), 2)
			switch {
			case math.Abs(g.Y-prev.Y) > size/2:
				flush()
			case prev.W > 0 && g.X-(prev.X+prev.W) > size/5 && !strings.HasSuffix(cur.String(), " "):
				cur.WriteByte(' ')
			}
		}
		cur.WriteString(g.S)
		prev = g
	}
	flush()
	return lines
}

func isNoise(r rune) bool {
	return unicode.IsControl(r) || r == unicode.ReplacementChar
}

// ParseFields locates the title and abstract in decoded text. Missing fields
// come back as the harvest sentinels rather than errors.
func ParseFields(text string) (title, abstract string) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	title = harvest.TitleNotFound
	bodyStart := 0
	for offset := 0; offset < len(text); {
		end := strings.IndexByte(text[offset:], '\n')
		if end < 0 {
			end = len(text) - offset
		}
		line := strings.TrimSpace(text[offset : offset+end])
		offset += end + 1
		if line != "" {
			title = line
			bodyStart = min(offset, len(text))
			break
		}
	}

	abstract = harvest.AbstractNotFound
	if m := abstractPattern.FindStringSubmatch(text[bodyStart:]); m != nil {
		body := trailingSectionNumber.ReplaceAllString(m[1], "")
		if body = strings.TrimSpace(body); body != "" {
			abstract = body
		}
	}
	return title, abstract
}

// IsDecodeError reports whether err came from DecodeText.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrDecode)
}
