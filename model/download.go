package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"privaterag/config"
	"privaterag/logger"
	"time"
)

// EnsureModelFile downloads cfg.DownloadURL to cfg.Path unless the file is
// already there. Nothing happens when no download URL is configured.
func EnsureModelFile(ctx context.Context, cfg config.ModelConfig, l *slog.Logger) error {
	l = logger.OrDefault(l)
	if cfg.DownloadURL == "" {
		return nil
	}
	if _, err := os.Stat(cfg.Path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}

	l.Info("downloading model", "url", cfg.DownloadURL, "path", cfg.Path)
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.DownloadURL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("download model: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Status: resp.StatusCode, Body: resp.Status}
	}

	tmp, err := os.CreateTemp(filepath.Dir(cfg.Path), ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write model: %w", err)
	}
	if err := os.Rename(tmp.Name(), cfg.Path); err != nil {
		return fmt.Errorf("install model: %w", err)
	}

	l.Info("model downloaded", "path", cfg.Path, "bytes", n, "took", time.Since(start))
	return nil
}
