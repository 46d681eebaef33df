package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/healthlink/pulse/internal/models"
	"github.com/healthlink/pulse/internal/services"
	"github.com/healthlink/pulse/pkg/logger"
)

const (
	defaultRetention  = 30 * 24 * time.Hour
	defaultExpireSpec = "@hourly"
	defaultPruneSpec  = "@daily"
)

// Cleaner coordinates background maintenance tasks: expiring stale pending
// access requests and pruning old read notifications.
type Cleaner struct {
	db        *gorm.DB
	access    *services.AccessRequestService
	cron      *cron.Cron
	now       func() time.Time
	log       *zap.Logger
	enabled   bool
	retention time.Duration

	expireSchedule string
	pruneSchedule  string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for cleanup comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithNotificationRetention adjusts how long read notifications are kept.
func WithNotificationRetention(d time.Duration) Option {
	return func(cleaner *Cleaner) {
		if d > 0 {
			cleaner.retention = d
		}
	}
}

// WithExpireSchedule overrides the cron specification for access request expiry.
func WithExpireSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.expireSchedule = spec
		}
	}
}

// WithPruneSchedule overrides the cron specification for notification pruning.
func WithPruneSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.pruneSchedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults. Any nil dependency
// results in the corresponding job being skipped.
func NewCleaner(db *gorm.DB, access *services.AccessRequestService, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		db:             db,
		access:         access,
		now:            time.Now,
		retention:      defaultRetention,
		expireSchedule: defaultExpireSpec,
		pruneSchedule:  defaultPruneSpec,
		log:            logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	cleaner.enabled = cleaner.access != nil || cleaner.db != nil

	return cleaner
}

// Start registers cleanup jobs with the cron scheduler and launches it if at
// least one job is enabled.
func (c *Cleaner) Start() error {
	if !c.enabled {
		return nil
	}

	if c.access != nil {
		if _, err := c.cron.AddFunc(c.expireSchedule, func() {
			ctx := context.Background()
			if _, err := c.access.ExpirePending(ctx, c.now()); err != nil {
				c.log.Warn("access request expiry failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.db != nil && c.retention > 0 {
		if _, err := c.cron.AddFunc(c.pruneSchedule, func() {
			ctx := context.Background()
			if _, err := PruneNotifications(ctx, c.db, c.now().Add(-c.retention)); err != nil {
				c.log.Warn("notification prune failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes all configured cleanup routines sequentially. Primarily
// used in tests and during graceful shutdown.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if c.access != nil {
		if _, err := c.access.ExpirePending(ctx, c.now()); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.db != nil && c.retention > 0 {
		if _, err := PruneNotifications(ctx, c.db, c.now().Add(-c.retention)); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

// PruneNotifications removes read notifications created before the cutoff.
// Unread notifications are never pruned.
func PruneNotifications(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	if db == nil {
		return 0, errors.New("prune notifications: db is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	result := db.WithContext(ctx).
		Where("is_read = ? AND created_at < ?", true, cutoff).
		Delete(&models.Notification{})
	if result.Error != nil {
		return 0, fmt.Errorf("prune notifications: %w", result.Error)
	}
	return result.RowsAffected, nil
}
