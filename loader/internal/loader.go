package internal

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"privaterag/logger"
	"privaterag/types"
	"sort"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// Parsed is what a format parser extracts from one file.
type Parsed struct {
	Text     string
	Title    string
	Metadata map[string]string
}

// Parser turns one file into text. Implementations are stateless.
type Parser interface {
	Parse(path string) (Parsed, error)
}

type ParserFunc func(path string) (Parsed, error)

func (f ParserFunc) Parse(path string) (Parsed, error) {
	return f(path)
}

func defaultParsers() map[string]Parser {
	return map[string]Parser{
		".csv":  ParserFunc(parseCSV),
		".docx": ParserFunc(parseDOCX),
		".enex": ParserFunc(parseENEX),
		".eml":  ParserFunc(parseEML),
		".epub": ParserFunc(parseEPUB),
		".html": ParserFunc(parseHTML),
		".md":   ParserFunc(parseMarkdown),
		".odt":  ParserFunc(parseODT),
		".pdf":  ParserFunc(parsePDF),
		".pptx": ParserFunc(parsePPTX),
		".txt":  ParserFunc(parseText),
	}
}

// Loader dispatches files to a parser by extension.
type Loader struct {
	parsers map[string]Parser
	logger  *slog.Logger
}

func NewLoader(l *slog.Logger) *Loader {
	return &Loader{
		parsers: defaultParsers(),
		logger:  logger.OrDefault(l),
	}
}

// Extensions lists the registered extensions, sorted.
func (l *Loader) Extensions() []string {
	exts := make([]string, 0, len(l.parsers))
	for ext := range l.parsers {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

func (l *Loader) Supported(path string) bool {
	_, ok := l.parsers[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Load parses a single file. It fails with types.ErrUnsupportedFormat when
// no parser is registered for the extension and with types.ErrEmptyDocument
// when the parser finds no text.
func (l *Loader) Load(path string) (*types.Document, error) {
	ext := strings.ToLower(filepath.Ext(path))
	parser, ok := l.parsers[ext]
	if !ok {
		return nil, fmt.Errorf("%w: extension %q", types.ErrUnsupportedFormat, ext)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	parsed, err := parser.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if strings.TrimSpace(parsed.Text) == "" {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), types.ErrEmptyDocument)
	}

	meta := types.CloneMetadata(parsed.Metadata)
	meta["source"] = path
	meta["file_name"] = filepath.Base(path)
	meta["format"] = strings.TrimPrefix(ext, ".")
	if mt, err := mimetype.DetectFile(path); err == nil {
		meta["mime_type"] = mt.String()
	}

	title := parsed.Title
	if title == "" {
		title = generateTitle(path)
	}
	meta["title"] = title

	return &types.Document{
		ID:       generateDocumentID(path),
		Path:     path,
		Format:   meta["format"],
		Title:    title,
		Text:     parsed.Text,
		Metadata: meta,
		LoadedAt: time.Now(),
	}, nil
}

// LoadAll walks dir recursively and loads every file with a registered
// extension, in path order. Files that fail to parse are returned as
// audit records; the walk itself only fails on directory errors.
func (l *Loader) LoadAll(dir string) ([]*types.Document, []types.FileError, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !l.Supported(path) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Strings(paths)

	var (
		docs     []*types.Document
		failures []types.FileError
	)
	for _, path := range paths {
		doc, err := l.Load(path)
		if err != nil {
			l.logger.Warn("skipping file", "path", path, "error", err)
			failures = append(failures, types.FileError{Path: path, Err: err})
			continue
		}
		docs = append(docs, doc)
	}
	return docs, failures, nil
}

// generateTitle derives a readable title from the file name.
func generateTitle(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	name = strings.ReplaceAll(name, "_", " ")
	name = strings.ReplaceAll(name, "-", " ")
	return strings.TrimSpace(name)
}

func generateDocumentID(path string) uuid.UUID {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return uuid.NewMD5(uuid.NameSpaceURL, []byte("file://"+abs))
}
