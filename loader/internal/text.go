package internal

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func parseText(path string) (Parsed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Parsed{}, err
	}
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return Parsed{}, errors.New("file is not valid UTF-8")
	}
	return Parsed{Text: string(data)}, nil
}

func parseMarkdown(path string) (Parsed, error) {
	p, err := parseText(path)
	if err != nil {
		return Parsed{}, err
	}
	return Parsed{
		Text:  stripMarkdown(p.Text),
		Title: markdownTitle(p.Text),
	}, nil
}

// markdownTitle returns the first H1 heading, or "".
func markdownTitle(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "#"))
		}
	}
	return ""
}

var (
	mdCodeFence   = regexp.MustCompile("(?m)^```[^\n]*$")
	mdInlineCode  = regexp.MustCompile("`([^`]+)`")
	mdImage       = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)
	mdLink        = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	mdHeading     = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdEmphasis    = regexp.MustCompile(`(?m)(^|[\s(])(\*\*|__|\*|_)([^*_\n]+?)(\*\*|__|\*|_)`)
	mdBlockquote  = regexp.MustCompile(`(?m)^>\s?`)
	mdRule        = regexp.MustCompile(`(?m)^\s*([-*_]\s*){3,}$`)
	mdListMarker  = regexp.MustCompile(`(?m)^(\s*)[-*+]\s+`)
	mdTableRule   = regexp.MustCompile(`(?m)^\|?\s*:?-{3,}:?\s*(\|\s*:?-{3,}:?\s*)*\|?\s*$`)
	mdMultiBlanks = regexp.MustCompile(`\n{3,}`)
)

// stripMarkdown removes markup but keeps code block bodies and link text,
// which carry searchable content.
func stripMarkdown(content string) string {
	content = mdCodeFence.ReplaceAllString(content, "")
	content = mdInlineCode.ReplaceAllString(content, "$1")
	content = mdImage.ReplaceAllString(content, "$1")
	content = mdLink.ReplaceAllString(content, "$1")
	content = mdHeading.ReplaceAllString(content, "")
	content = mdEmphasis.ReplaceAllString(content, "$1$3")
	content = mdBlockquote.ReplaceAllString(content, "")
	content = mdTableRule.ReplaceAllString(content, "")
	content = mdRule.ReplaceAllString(content, "")
	content = mdListMarker.ReplaceAllString(content, "$1")
	content = mdMultiBlanks.ReplaceAllString(content, "\n\n")
	return strings.TrimSpace(content)
}

// parseCSV renders every row as "header: value" lines so each chunk keeps
// the column names next to the values.
func parseCSV(path string) (Parsed, error) {
	f, err := os.Open(path)
	if err != nil {
		return Parsed{}, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	if bom, _ := br.Peek(len(utf8BOM)); bytes.Equal(bom, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}

	r := csv.NewReader(br)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err == io.EOF {
		return Parsed{}, nil
	}
	if err != nil {
		return Parsed{}, fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var (
		b    strings.Builder
		rows int
	)
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Parsed{}, fmt.Errorf("read row %d: %w", rows+1, err)
		}
		if rows > 0 {
			b.WriteString("\n\n")
		}
		for i, v := range rec {
			name := fmt.Sprintf("column_%d", i+1)
			if i < len(header) && header[i] != "" {
				name = header[i]
			}
			if i > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(name)
			b.WriteString(": ")
			b.WriteString(v)
		}
		rows++
	}
	if rows == 0 {
		return Parsed{Text: strings.Join(header, ", ")}, nil
	}

	return Parsed{
		Text:     b.String(),
		Metadata: map[string]string{"rows": fmt.Sprint(rows)},
	}, nil
}
