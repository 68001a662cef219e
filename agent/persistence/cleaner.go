package persistence

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Cleaner periodically removes audit records older than the retention window.
type Cleaner struct {
	store  RecordStore
	config CleanupConfig
	kinds  []RecordKind
	now    func() time.Time
	logger *zap.Logger
}

// NewCleaner creates a Cleaner for every record kind
func NewCleaner(store RecordStore, config CleanupConfig, logger *zap.Logger) *Cleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultCleanupConfig().Interval
	}
	if config.Retention <= 0 {
		config.Retention = DefaultCleanupConfig().Retention
	}
	return &Cleaner{
		store:  store,
		config: config,
		kinds:  AllKinds,
		now:    time.Now,
		logger: logger.With(zap.String("component", "record_cleaner")),
	}
}

// RunOnce deletes expired records of every kind and returns the total removed.
func (c *Cleaner) RunOnce(ctx context.Context) (int, error) {
	cutoff := c.now().Add(-c.config.Retention)
	total := 0
	for _, kind := range c.kinds {
		n, err := c.store.DeleteBefore(ctx, kind, cutoff)
		if err != nil {
			return total, err
		}
		total += n
	}
	if total > 0 {
		c.logger.Info("expired audit records removed",
			zap.Int("count", total),
			zap.Time("cutoff", cutoff),
		)
	}
	return total, nil
}

// Run blocks until ctx is done, cleaning on every interval. It returns
// immediately when cleanup is disabled.
func (c *Cleaner) Run(ctx context.Context) {
	if !c.config.Enabled {
		return
	}
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.RunOnce(ctx); err != nil {
				c.logger.Warn("audit record cleanup failed", zap.Error(err))
			}
		}
	}
}
