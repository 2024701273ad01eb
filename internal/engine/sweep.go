package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically closes runs whose departure has elapsed. The
// sweep is a latency optimization: mutations already gate on the
// deadline itself, so a late sweep never admits a stale write.
type Sweeper struct {
	engine   Engine
	schedule string
	cron     *cron.Cron
}

// NewSweeper builds a sweeper on a cron schedule such as "@every 30s".
func NewSweeper(e Engine, schedule string) *Sweeper {
	if schedule == "" {
		schedule = "@every 30s"
	}
	return &Sweeper{engine: e, schedule: schedule}
}

func (s *Sweeper) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(s.schedule, s.sweep); err != nil {
		return fmt.Errorf("sweep schedule %q: %w", s.schedule, err)
	}
	s.cron = c
	c.Start()
	slog.Info("deadline sweeper started", "schedule", s.schedule)
	return nil
}

func (s *Sweeper) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

func (s *Sweeper) sweep() {
	closed, err := s.engine.SweepDeadlines(context.Background())
	if err != nil {
		slog.Warn("deadline sweep failed", "error", err)
		return
	}
	if closed > 0 {
		slog.Info("auto-closed elapsed runs", "count", closed)
	}
}
