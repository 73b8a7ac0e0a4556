package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"privaterag/config"
	"privaterag/loader/internal"
	"privaterag/logger"
	"privaterag/metrics"
	"privaterag/model"
	"privaterag/store"
	"privaterag/types"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SmokeTestCollection receives the check document ingested at startup.
const SmokeTestCollection = "test"

// Result summarises one ingestion run.
type Result struct {
	DocumentsLoaded int
	ChunksCreated   int
	Failures        []types.FileError
	Stage           Stage
}

// Service runs the ingestion pipeline: stage, load, chunk, embed, persist.
type Service struct {
	cfg      config.IngestConfig
	logger   *slog.Logger
	loader   *internal.Loader
	splitter *internal.Splitter
	embedder model.Embedder
	store    store.VectorStorer
	staging  *Staging
	workers  chan struct{}
	writes   store.KeyedMutex
}

func New(cfg config.IngestConfig, embedder model.Embedder, storer store.VectorStorer, l *slog.Logger) (*Service, error) {
	l = logger.OrDefault(l)
	splitter, err := internal.NewSplitter(
		internal.WithChunkSize(cfg.ChunkSize),
		internal.WithChunkOverlap(cfg.ChunkOverlap),
	)
	if err != nil {
		return nil, err
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &Service{
		cfg:      cfg,
		logger:   l,
		loader:   internal.NewLoader(l),
		splitter: splitter,
		embedder: embedder,
		store:    storer,
		staging:  NewStaging(cfg),
		workers:  make(chan struct{}, workers),
	}, nil
}

func (s *Service) Staging() *Staging { return s.staging }

// Extensions lists the file extensions the loader accepts.
func (s *Service) Extensions() []string { return s.loader.Extensions() }

// Supported reports whether path has a loadable extension.
func (s *Service) Supported(path string) bool { return s.loader.Supported(path) }

// Ingest loads files staged under project into collection. Files that
// cannot be loaded are reported in Result.Failures and skipped; when none
// loads, nothing is written and the run ends Failed without an error.
// The call returns after the chunks are persisted.
func (s *Service) Ingest(ctx context.Context, project, collection string, files []string) (Result, error) {
	select {
	case s.workers <- struct{}{}:
		defer func() { <-s.workers }()
	case <-ctx.Done():
		return Result{Stage: StageFailed}, ctx.Err()
	}

	log := s.logger.With("project", project, "collection", collection)
	r := newRun(log)
	res := Result{}
	finish := func(err error) (Result, error) {
		res.Stage = r.stage
		if err != nil {
			metrics.IngestFailures.WithLabelValues(metrics.Reason(err)).Inc()
		}
		return res, err
	}

	_ = r.advance(StageStaging)
	if err := s.checkStaged(project, collection, files); err != nil {
		return finish(r.fail(err))
	}

	_ = r.advance(StageLoading)
	var docs []*types.Document
	for _, path := range files {
		doc, err := s.loader.Load(path)
		if err != nil {
			log.Warn("skipping file", "path", path, "error", err)
			metrics.IngestFailures.WithLabelValues(metrics.Reason(err)).Inc()
			res.Failures = append(res.Failures, types.FileError{Path: path, Err: err})
			continue
		}
		metrics.DocumentsIngested.WithLabelValues(doc.Format).Inc()
		docs = append(docs, doc)
	}
	res.DocumentsLoaded = len(docs)
	if len(docs) == 0 {
		log.Warn("no documents loaded", "files", len(files))
		_ = r.advance(StageFailed)
		return finish(nil)
	}

	_ = r.advance(StageChunking)
	chunks := s.splitter.SplitDocuments(docs)
	for i := range chunks {
		chunks[i].Metadata["project"] = project
	}

	_ = r.advance(StageEmbedding)
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return finish(r.fail(fmt.Errorf("embed chunks: %w", err)))
	}
	for i := range chunks {
		chunks[i].Embedding = vecs[i]
	}

	_ = r.advance(StagePersisting)
	if err := s.persist(ctx, collection, chunks); err != nil {
		return finish(r.fail(err))
	}
	res.ChunksCreated = len(chunks)
	metrics.ChunksIngested.Add(float64(len(chunks)))

	_ = r.advance(StageIdle)
	log.Info("ingested", "documents", res.DocumentsLoaded, "chunks", res.ChunksCreated, "failed", len(res.Failures))
	return finish(nil)
}

func (s *Service) checkStaged(project, collection string, files []string) error {
	if _, err := s.staging.ProjectDir(project); err != nil {
		return err
	}
	if !types.ValidCollectionName(collection) {
		return fmt.Errorf("%w: %q", types.ErrInvalidCollection, collection)
	}
	for _, f := range files {
		if !s.staging.Contains(project, f) {
			return fmt.Errorf("%s is outside the staging directory of %s", f, project)
		}
	}
	return nil
}

// persist commits the chunks, then asks the store for durability. A Persist
// failure is reported after the chunks are already searchable.
func (s *Service) persist(ctx context.Context, collection string, chunks []types.Chunk) error {
	unlock := s.writes.Lock(collection)
	defer unlock()

	if err := s.store.Upsert(ctx, collection, chunks); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	if err := s.store.Persist(ctx, collection); err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	return nil
}

// IngestDirectory ingests every supported file under the project's
// staging directory.
func (s *Service) IngestDirectory(ctx context.Context, project, collection string) (Result, error) {
	dir, err := s.staging.ProjectDir(project)
	if err != nil {
		return Result{Stage: StageFailed}, err
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && s.loader.Supported(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return Result{Stage: StageFailed}, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Strings(files)

	s.logger.Info("ingesting directory", "dir", dir, "files", len(files))
	return s.Ingest(ctx, project, collection, files)
}

// SmokeTest ingests a one-line document into the test collection of every
// project, proving the embedder and the store work end to end.
func (s *Service) SmokeTest(ctx context.Context) error {
	var errs []error
	for _, project := range s.cfg.Projects {
		if err := s.smokeTestProject(ctx, project); err != nil {
			errs = append(errs, fmt.Errorf("project %s: %w", project, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) smokeTestProject(ctx context.Context, project string) (err error) {
	batch, err := s.staging.NewBatch(project)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := batch.Cleanup(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if _, err := batch.Save("test.txt", strings.NewReader("This is a test.")); err != nil {
		return err
	}
	res, err := s.Ingest(ctx, project, SmokeTestCollection, batch.Files())
	if err != nil {
		return err
	}
	if res.ChunksCreated == 0 {
		return fmt.Errorf("smoke test produced no chunks: %v", res.Failures)
	}
	s.logger.Info("smoke test passed", "project", project, "chunks", res.ChunksCreated)
	return nil
}

// Watch ingests files dropped into the project's staging directory once
// they have been quiet for MonitoringTime, then moves each to the archive,
// or to the bad directory when it failed. It returns when ctx is done.
func (s *Service) Watch(ctx context.Context, project, collection string) error {
	dir, err := s.staging.ProjectDir(project)
	if err != nil {
		return err
	}
	if !types.ValidCollectionName(collection) {
		return fmt.Errorf("%w: %q", types.ErrInvalidCollection, collection)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	s.logger.Info("start monitoring folder", "dir", dir, "collection", collection)
	defer s.logger.Info("file watcher stopped", "dir", dir)

	var (
		mu       sync.Mutex
		lastSeen = make(map[string]time.Time)
	)
	touch := func(path string) {
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			return
		}
		mu.Lock()
		lastSeen[path] = time.Now()
		mu.Unlock()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		touch(filepath.Join(dir, e.Name()))
	}

	tick := min(max(s.cfg.MonitoringTime/2, 10*time.Millisecond), time.Second)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			switch {
			case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
				touch(ev.Name)
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				mu.Lock()
				delete(lastSeen, ev.Name)
				mu.Unlock()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watcher error", "error", err)
		case <-ticker.C:
			mu.Lock()
			var ready []string
			for path, seen := range lastSeen {
				if time.Since(seen) >= s.cfg.MonitoringTime {
					ready = append(ready, path)
					delete(lastSeen, path)
				}
			}
			mu.Unlock()
			sort.Strings(ready)

			for _, path := range ready {
				s.ingestWatched(ctx, project, collection, path)
			}
		}
	}
}

func (s *Service) ingestWatched(ctx context.Context, project, collection, path string) {
	s.logger.Info("file is quiet, start processing", "path", path)
	res, err := s.Ingest(ctx, project, collection, []string{path})
	bad := err != nil || res.ChunksCreated == 0
	if err != nil {
		s.logger.Error("ingest watched file", "path", path, "error", err)
	}
	dest, err := s.MoveToArchive(path, bad)
	if err != nil {
		s.logger.Error("archive file", "path", path, "error", err)
		return
	}
	s.logger.Info("file archived", "path", path, "dest", dest, "bad", bad)
}

// MoveToArchive moves a processed file to <archive>/<date>/, or to
// <bad>/<date>/ when bad is set, adding a counter on name clashes.
func (s *Service) MoveToArchive(path string, bad bool) (string, error) {
	base := s.cfg.ArchiveDirectory
	if bad {
		base = s.cfg.BadDirectory
	}
	if base == "" {
		return "", os.Remove(path)
	}

	destDir := filepath.Join(base, time.Now().Format("2006-01-02"))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("error creating directory: %w", err)
	}

	destPath := filepath.Join(destDir, filepath.Base(path))
	ext := filepath.Ext(destPath)
	stem := strings.TrimSuffix(filepath.Base(destPath), ext)
	for counter := 1; ; counter++ {
		if _, err := os.Stat(destPath); errors.Is(err, os.ErrNotExist) {
			break
		}
		destPath = filepath.Join(destDir, fmt.Sprintf("%s_%d%s", stem, counter, ext))
	}

	if err := os.Rename(path, destPath); err == nil {
		return destPath, nil
	}
	// Rename fails across devices; fall back to copy and remove.
	if err := copyFile(path, destPath); err != nil {
		return "", fmt.Errorf("error moving file to archive: %w", err)
	}
	return destPath, os.Remove(path)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
