package internal

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"strings"
)

// enexExport is an Evernote export file. Note content is ENML, an XHTML
// dialect carried as CDATA.
type enexExport struct {
	Notes []struct {
		Title   string   `xml:"title"`
		Content string   `xml:"content"`
		Created string   `xml:"created"`
		Tags    []string `xml:"tag"`
	} `xml:"note"`
}

func parseENEX(path string) (Parsed, error) {
	f, err := os.Open(path)
	if err != nil {
		return Parsed{}, err
	}
	defer f.Close()

	dec := xml.NewDecoder(f)
	dec.Strict = false
	var export enexExport
	if err := dec.Decode(&export); err != nil {
		return Parsed{}, fmt.Errorf("decode enex: %w", err)
	}
	if len(export.Notes) == 0 {
		return Parsed{}, errors.New("export contains no notes")
	}

	var (
		parts []string
		tags  []string
	)
	for _, note := range export.Notes {
		body, _, err := extractHTMLText(strings.NewReader(note.Content))
		if err != nil {
			return Parsed{}, fmt.Errorf("note %q: %w", note.Title, err)
		}
		title := strings.TrimSpace(note.Title)
		switch {
		case title != "" && body != "":
			parts = append(parts, title+"\n\n"+body)
		case body != "":
			parts = append(parts, body)
		case title != "":
			parts = append(parts, title)
		}
		tags = append(tags, note.Tags...)
	}

	p := Parsed{
		Text:     strings.Join(parts, "\n\n"),
		Metadata: map[string]string{"notes": fmt.Sprint(len(export.Notes))},
	}
	if len(export.Notes) == 1 {
		p.Title = strings.TrimSpace(export.Notes[0].Title)
		if c := export.Notes[0].Created; c != "" {
			p.Metadata["created"] = c
		}
	}
	if len(tags) > 0 {
		p.Metadata["tags"] = strings.Join(tags, ",")
	}
	return p, nil
}
