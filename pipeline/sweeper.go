package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper removes stale files from the intake directory. The invoker deletes
// every file it handles, so anything old enough to be swept was left behind by
// a crash or a killed request.
type Sweeper struct {
	dir    string
	maxAge time.Duration
	logger *zap.Logger
	now    func() time.Time
	cron   *cron.Cron
}

func NewSweeper(dir string, maxAge time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		dir:    dir,
		maxAge: maxAge,
		logger: logger,
		now:    time.Now,
	}
}

// Sweep deletes regular files older than maxAge and reports how many went.
func (s *Sweeper) Sweep() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read intake dir: %w", err)
	}

	cutoff := s.now().Add(-s.maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		path := filepath.Join(s.dir, entry.Name())
		if err := os.Remove(path); err != nil {
			s.logger.Warn("failed to sweep intake file", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

// Start runs Sweep on schedule (standard cron syntax or descriptors such as
// "@every 10m") until Stop.
func (s *Sweeper) Start(schedule string) error {
	log := cronLogger{s.logger.Sugar()}
	c := cron.New(cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)), cron.WithLogger(log))

	_, err := c.AddFunc(schedule, func() {
		n, err := s.Sweep()
		if err != nil {
			s.logger.Error("intake sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			s.logger.Info("swept stale intake files", zap.Int("count", n))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	s.cron = c
	c.Start()
	return nil
}

// Stop halts the schedule and waits, at most until ctx is done, for a running
// sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// cronLogger routes cron's own messages to zap.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
