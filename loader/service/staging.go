package service

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"privaterag/config"
	"privaterag/types"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// Staging owns SOURCE_DIRECTORY: one directory per project, and inside it
// one directory per upload batch.
type Staging struct {
	cfg config.IngestConfig
}

func NewStaging(cfg config.IngestConfig) *Staging {
	return &Staging{cfg: cfg}
}

// EnsureDirs creates the project, archive and bad directories.
func (s *Staging) EnsureDirs() error {
	dirs := []string{s.cfg.SourceDirectory}
	for _, p := range s.cfg.Projects {
		dirs = append(dirs, filepath.Join(s.cfg.SourceDirectory, p))
	}
	if s.cfg.ArchiveDirectory != "" {
		dirs = append(dirs, s.cfg.ArchiveDirectory)
	}
	if s.cfg.BadDirectory != "" {
		dirs = append(dirs, s.cfg.BadDirectory)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: %w", types.ErrStagingIO, err)
		}
	}
	return nil
}

// ProjectDir returns the staging root of project.
func (s *Staging) ProjectDir(project string) (string, error) {
	if !s.cfg.HasProject(project) {
		return "", fmt.Errorf("%w: %q", types.ErrUnknownProject, project)
	}
	return filepath.Join(s.cfg.SourceDirectory, project), nil
}

// Contains reports whether path lies inside the staging root of project.
func (s *Staging) Contains(project, path string) bool {
	root, err := s.ProjectDir(project)
	if err != nil {
		return false
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Rel returns path relative to SOURCE_DIRECTORY, slash separated.
func (s *Staging) Rel(path string) string {
	rel, err := filepath.Rel(s.cfg.SourceDirectory, path)
	if err != nil {
		return filepath.Base(path)
	}
	return filepath.ToSlash(rel)
}

// NewBatch creates a fresh directory for one upload.
func (s *Staging) NewBatch(project string) (*Batch, error) {
	root, err := s.ProjectDir(project)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(root, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrStagingIO, err)
	}
	return &Batch{Dir: dir, Project: project}, nil
}

// Batch is the set of files staged by one request.
type Batch struct {
	Dir     string
	Project string
	files   []string
}

// Save writes r to the batch under the sanitised base name of name and
// returns the stored path.
func (b *Batch) Save(name string, r io.Reader) (string, error) {
	clean := SanitizeName(name)
	path := filepath.Join(b.Dir, clean)
	ext := filepath.Ext(clean)
	stem := strings.TrimSuffix(clean, ext)
	for i := 1; ; i++ {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			break
		}
		path = filepath.Join(b.Dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("%w: %w", types.ErrStagingIO, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return "", fmt.Errorf("%w: write %s: %w", types.ErrStagingIO, clean, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("%w: %w", types.ErrStagingIO, err)
	}
	b.files = append(b.files, path)
	return path, nil
}

func (b *Batch) Files() []string {
	return append([]string(nil), b.files...)
}

// Cleanup removes the batch directory and everything in it.
func (b *Batch) Cleanup() error {
	if err := os.RemoveAll(b.Dir); err != nil {
		return fmt.Errorf("%w: %w", types.ErrStagingIO, err)
	}
	return nil
}

// SanitizeName reduces an uploaded file name to a safe base name.
func SanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '.', r == '-', r == '_':
			return r
		case unicode.IsSpace(r):
			return '_'
		default:
			return -1
		}
	}, name)
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return "upload"
	}
	return name
}

// DefaultCollection derives a collection name from an uploaded file name:
// its sanitised stem with characters outside the collection alphabet
// replaced.
func DefaultCollection(filename string) string {
	clean := SanitizeName(filename)
	stem := strings.TrimSuffix(clean, filepath.Ext(clean))
	stem = strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == '.') {
			return r
		}
		return '_'
	}, stem)
	stem = strings.TrimLeft(stem, "_.-")
	if len(stem) > 63 {
		stem = stem[:63]
	}
	if stem == "" {
		return "default"
	}
	return stem
}
