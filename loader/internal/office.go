package internal

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// xmlTextRules says how to flatten one XML vocabulary into text. Elements
// in capture contribute their character data (including descendants),
// breaks end with a newline, and inline elements emit a fixed string.
// spaces names the ODF element that stands for a run of c spaces.
type xmlTextRules struct {
	capture map[string]bool
	breaks  map[string]bool
	inline  map[string]string
	spaces  string
}

var (
	docxRules = xmlTextRules{
		capture: map[string]bool{"t": true},
		breaks:  map[string]bool{"p": true},
		inline:  map[string]string{"tab": "\t", "br": "\n", "cr": "\n"},
	}
	pptxRules = xmlTextRules{
		capture: map[string]bool{"t": true},
		breaks:  map[string]bool{"p": true},
		inline:  map[string]string{"br": "\n"},
	}
	odtRules = xmlTextRules{
		capture: map[string]bool{"p": true, "h": true},
		breaks:  map[string]bool{"p": true, "h": true},
		inline:  map[string]string{"tab": "\t", "line-break": "\n"},
		spaces:  "s",
	}
)

// xmlText walks an XML stream and extracts text according to rules.
func xmlText(r io.Reader, rules xmlTextRules) (string, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = false

	var (
		b     strings.Builder
		depth int
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			name := t.Name.Local
			if rules.capture[name] {
				depth++
			}
			if s, ok := rules.inline[name]; ok {
				b.WriteString(s)
			}
			if rules.spaces != "" && name == rules.spaces && depth > 0 {
				n := 1
				for _, a := range t.Attr {
					if a.Name.Local == "c" {
						if v, err := strconv.Atoi(a.Value); err == nil && v > 0 {
							n = v
						}
					}
				}
				b.WriteString(strings.Repeat(" ", n))
			}
		case xml.EndElement:
			name := t.Name.Local
			if rules.capture[name] && depth > 0 {
				depth--
			}
			if rules.breaks[name] {
				b.WriteByte('\n')
			}
		case xml.CharData:
			if depth > 0 {
				b.Write(t)
			}
		}
	}
	return b.String(), nil
}

func zipEntry(zr *zip.ReadCloser, name string) (*zip.File, bool) {
	for _, f := range zr.File {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}

func zipEntryText(f *zip.File, rules xmlTextRules) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	return xmlText(rc, rules)
}

// coreTitle reads dc:title from an OOXML docProps/core.xml or ODF meta.xml.
func coreTitle(zr *zip.ReadCloser, name string) string {
	f, ok := zipEntry(zr, name)
	if !ok {
		return ""
	}
	rc, err := f.Open()
	if err != nil {
		return ""
	}
	defer rc.Close()

	dec := xml.NewDecoder(rc)
	dec.Strict = false
	inTitle := false
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		switch t := tok.(type) {
		case xml.StartElement:
			inTitle = t.Name.Local == "title"
		case xml.EndElement:
			inTitle = false
		case xml.CharData:
			if inTitle {
				if s := strings.TrimSpace(string(t)); s != "" {
					return s
				}
			}
		}
	}
}

func parseDOCX(path string) (Parsed, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return Parsed{}, fmt.Errorf("open docx: %w", err)
	}
	defer zr.Close()

	doc, ok := zipEntry(zr, "word/document.xml")
	if !ok {
		return Parsed{}, errors.New("word/document.xml not found")
	}
	text, err := zipEntryText(doc, docxRules)
	if err != nil {
		return Parsed{}, fmt.Errorf("read document.xml: %w", err)
	}

	return Parsed{
		Text:  normalizeWhitespace(text),
		Title: coreTitle(zr, "docProps/core.xml"),
	}, nil
}

var slideName = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

func parsePPTX(path string) (Parsed, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return Parsed{}, fmt.Errorf("open pptx: %w", err)
	}
	defer zr.Close()

	type slide struct {
		n int
		f *zip.File
	}
	var slides []slide
	for _, f := range zr.File {
		m := slideName.FindStringSubmatch(f.Name)
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		slides = append(slides, slide{n: n, f: f})
	}
	if len(slides) == 0 {
		return Parsed{}, errors.New("no slides found")
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].n < slides[j].n })

	parts := make([]string, 0, len(slides))
	for _, s := range slides {
		text, err := zipEntryText(s.f, pptxRules)
		if err != nil {
			return Parsed{}, fmt.Errorf("read slide %d: %w", s.n, err)
		}
		if text = normalizeWhitespace(text); text != "" {
			parts = append(parts, text)
		}
	}

	return Parsed{
		Text:     strings.Join(parts, "\n\n"),
		Title:    coreTitle(zr, "docProps/core.xml"),
		Metadata: map[string]string{"slides": strconv.Itoa(len(slides))},
	}, nil
}

func parseODT(path string) (Parsed, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return Parsed{}, fmt.Errorf("open odt: %w", err)
	}
	defer zr.Close()

	content, ok := zipEntry(zr, "content.xml")
	if !ok {
		return Parsed{}, errors.New("content.xml not found")
	}
	text, err := zipEntryText(content, odtRules)
	if err != nil {
		return Parsed{}, fmt.Errorf("read content.xml: %w", err)
	}

	return Parsed{
		Text:  normalizeWhitespace(text),
		Title: coreTitle(zr, "meta.xml"),
	}, nil
}
