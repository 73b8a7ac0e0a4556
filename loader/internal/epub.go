package internal

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
)

type epubContainer struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type epubPackage struct {
	Title    []string `xml:"metadata>title"`
	Manifest []struct {
		ID        string `xml:"id,attr"`
		Href      string `xml:"href,attr"`
		MediaType string `xml:"media-type,attr"`
	} `xml:"manifest>item"`
	Spine []struct {
		IDRef string `xml:"idref,attr"`
	} `xml:"spine>itemref"`
}

func decodeZipXML(zr *zip.ReadCloser, name string, v any) error {
	f, ok := zipEntry(zr, name)
	if !ok {
		return fmt.Errorf("%s not found", name)
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	dec := xml.NewDecoder(rc)
	dec.Strict = false
	return dec.Decode(v)
}

// parseEPUB reads the chapters in spine order. Archives without a usable
// package document fall back to every XHTML entry sorted by name.
func parseEPUB(p string) (Parsed, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return Parsed{}, fmt.Errorf("open epub: %w", err)
	}
	defer zr.Close()

	var (
		chapters []string
		title    string
	)

	var container epubContainer
	if err := decodeZipXML(zr, "META-INF/container.xml", &container); err == nil && len(container.Rootfiles) > 0 {
		opfPath := container.Rootfiles[0].FullPath
		var pkg epubPackage
		if err := decodeZipXML(zr, opfPath, &pkg); err == nil {
			if len(pkg.Title) > 0 {
				title = strings.TrimSpace(pkg.Title[0])
			}
			hrefs := make(map[string]string, len(pkg.Manifest))
			for _, item := range pkg.Manifest {
				hrefs[item.ID] = item.Href
			}
			base := path.Dir(opfPath)
			for _, ref := range pkg.Spine {
				if href, ok := hrefs[ref.IDRef]; ok {
					chapters = append(chapters, path.Join(base, href))
				}
			}
		}
	}

	if len(chapters) == 0 {
		for _, f := range zr.File {
			ext := strings.ToLower(path.Ext(f.Name))
			if ext == ".xhtml" || ext == ".html" || ext == ".htm" {
				chapters = append(chapters, f.Name)
			}
		}
		sort.Strings(chapters)
	}
	if len(chapters) == 0 {
		return Parsed{}, errors.New("no chapters found")
	}

	parts := make([]string, 0, len(chapters))
	for _, name := range chapters {
		f, ok := zipEntry(zr, name)
		if !ok {
			continue
		}
		text, err := zipHTMLText(f)
		if err != nil {
			return Parsed{}, fmt.Errorf("read %s: %w", name, err)
		}
		if text != "" {
			parts = append(parts, text)
		}
	}

	return Parsed{
		Text:     strings.Join(parts, "\n\n"),
		Title:    title,
		Metadata: map[string]string{"chapters": fmt.Sprint(len(parts))},
	}, nil
}

func zipHTMLText(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	text, _, err := extractHTMLText(io.Reader(rc))
	return text, err
}
