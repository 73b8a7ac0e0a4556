package service

import (
	"fmt"
	"log/slog"
	"privaterag/metrics"
	"time"
)

// Stage is a step of one ingestion run.
type Stage int

const (
	StageIdle Stage = iota
	StageStaging
	StageLoading
	StageChunking
	StageEmbedding
	StagePersisting
	StageFailed
)

var stageNames = [...]string{
	StageIdle:       "idle",
	StageStaging:    "staging",
	StageLoading:    "loading",
	StageChunking:   "chunking",
	StageEmbedding:  "embedding",
	StagePersisting: "persisting",
	StageFailed:     "failed",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var nextStage = map[Stage]Stage{
	StageIdle:       StageStaging,
	StageStaging:    StageLoading,
	StageLoading:    StageChunking,
	StageChunking:   StageEmbedding,
	StageEmbedding:  StagePersisting,
	StagePersisting: StageIdle,
}

// CanTransition reports whether a run may move from s to to. Every stage
// except Failed itself may fail.
func (s Stage) CanTransition(to Stage) bool {
	if to == StageFailed {
		return s != StageFailed
	}
	next, ok := nextStage[s]
	return ok && next == to
}

// run tracks the stage of one ingestion and times each stage.
type run struct {
	stage   Stage
	entered time.Time
	logger  *slog.Logger
}

func newRun(l *slog.Logger) *run {
	return &run{stage: StageIdle, entered: time.Now(), logger: l}
}

func (r *run) advance(to Stage) error {
	if !r.stage.CanTransition(to) {
		return fmt.Errorf("invalid stage transition %s -> %s", r.stage, to)
	}
	if r.stage != StageIdle {
		metrics.StageDuration.WithLabelValues(r.stage.String()).Observe(time.Since(r.entered).Seconds())
	}
	r.logger.Debug("ingest stage", "from", r.stage, "to", to)
	r.stage = to
	r.entered = time.Now()
	return nil
}

// fail moves the run to Failed and returns err.
func (r *run) fail(err error) error {
	r.logger.Warn("ingest failed", "stage", r.stage, "error", err)
	_ = r.advance(StageFailed)
	return err
}
