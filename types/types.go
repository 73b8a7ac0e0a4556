package types

import (
	"time"

	"github.com/google/uuid"
)

// Document is one loaded source file. It is never persisted, only the
// chunks derived from it are.
type Document struct {
	ID       uuid.UUID
	Path     string
	Format   string
	Title    string
	Text     string
	Metadata map[string]string
	LoadedAt time.Time
}

// Chunk is a contiguous slice of a document's text. Offset and Overlap
// count runes: Offset is where the chunk starts in the document text and
// Overlap is how many leading runes it shares with the previous chunk.
type Chunk struct {
	ID        uuid.UUID
	DocID     uuid.UUID
	Index     int
	Offset    int
	Overlap   int
	Content   string
	Metadata  map[string]string
	Embedding []float32
}

// ScoredChunk is a search hit. Score is cosine similarity, higher is closer.
type ScoredChunk struct {
	Chunk
	Score float64
}

// FileError is the audit record for a file skipped during ingestion.
type FileError struct {
	Path string
	Err  error
}

func (e FileError) Error() string {
	return e.Path + ": " + e.Err.Error()
}

func (e FileError) Unwrap() error {
	return e.Err
}

// CloneMetadata returns a copy of m that is safe to mutate.
func CloneMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}
