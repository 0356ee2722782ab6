package carevault

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// schedulerActorID identifies the Retention Scheduler in audit entries.
const schedulerActorID = "retention-scheduler"

// RetentionScheduler drives records through the deletion lifecycle: statutory
// retention expiry, grace-period erasure and backup-cycle purge. It is the
// only component that uses a privileged cross-tenant context, and every sweep
// audits that use.
type RetentionScheduler struct {
	store  *RecordStore
	audit  *AuditRecorder
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewRetentionScheduler creates a scheduler over the given store and
// recorder.
func NewRetentionScheduler(store *RecordStore, audit *AuditRecorder, cfg Config, logger *zap.Logger) (*RetentionScheduler, error) {
	if store == nil || audit == nil {
		return nil, ErrInvalidConfiguration
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetentionScheduler{
		store:  store,
		audit:  audit,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// SweepStats counts what one sweep accomplished.
type SweepStats struct {
	Expired     int
	HardDeleted int
	Purged      int
}

// Sweep runs one full pass: expire, erase, purge. Work proceeds in batches so
// an interrupted sweep resumes where it left off; every batch is re-queried,
// so a crash between batches loses nothing.
func (r *RetentionScheduler) Sweep(ctx context.Context, now time.Time) (SweepStats, error) {
	ctx = WithoutTenant(ctx)

	err := r.audit.Append(ctx, nil, AuditEntry{
		ActorID:    schedulerActorID,
		TenantID:   "*",
		Action:     ActionCrossTenant,
		OccurredAt: now,
		Detail:     "retention sweep",
	})
	if err != nil {
		return SweepStats{}, err
	}

	var stats SweepStats
	if stats.Expired, err = r.expireRetention(ctx, now); err != nil {
		return stats, err
	}
	if stats.HardDeleted, err = r.executeHardDeletes(ctx, now); err != nil {
		return stats, err
	}
	if stats.Purged, err = r.executePurges(ctx, now); err != nil {
		return stats, err
	}

	r.logger.Info("retention sweep complete",
		zap.Int("expired", stats.Expired),
		zap.Int("hard_deleted", stats.HardDeleted),
		zap.Int("purged", stats.Purged))
	return stats, nil
}

// expireRetention soft-deletes active records older than the statutory
// retention period. Records under legal hold are excluded by the query.
func (r *RetentionScheduler) expireRetention(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-r.cfg.RetentionPeriod)
	total := 0
	for {
		batch, err := r.store.DueForRetentionExpiry(ctx, cutoff, r.cfg.SweepBatchSize)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}
		for _, rec := range batch {
			err := r.audit.Append(ctx, nil, AuditEntry{
				ActorID:    schedulerActorID,
				TenantID:   rec.TenantID,
				Action:     ActionDeleteRequest,
				RecordID:   rec.ID,
				OccurredAt: now,
				Detail:     "statutory retention expired",
			})
			if err != nil {
				return total, err
			}
			if err := r.store.MarkSoftDeleted(ctx, rec, now); err != nil {
				// A concurrent restore or delete changed the row; the
				// next sweep re-evaluates it.
				r.logger.Warn("skipping retention expiry",
					zap.String("record_id", rec.ID), zap.Error(err))
				continue
			}
			total++
		}
		if len(batch) < r.cfg.SweepBatchSize {
			return total, nil
		}
	}
}

// executeHardDeletes erases soft-deleted records whose grace period has
// elapsed.
func (r *RetentionScheduler) executeHardDeletes(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-r.cfg.GracePeriod)
	total := 0
	for {
		batch, err := r.store.DueForHardDelete(ctx, cutoff, r.cfg.SweepBatchSize)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}
		for _, rec := range batch {
			err := r.audit.Append(ctx, nil, AuditEntry{
				ActorID:    schedulerActorID,
				TenantID:   rec.TenantID,
				Action:     ActionDeleteExecute,
				RecordID:   rec.ID,
				OccurredAt: now,
				Detail:     "grace period elapsed",
			})
			if err != nil {
				return total, err
			}
			if err := r.store.EraseContent(ctx, rec, now); err != nil {
				r.logger.Warn("skipping hard delete",
					zap.String("record_id", rec.ID), zap.Error(err))
				continue
			}
			total++
		}
		if len(batch) < r.cfg.SweepBatchSize {
			return total, nil
		}
	}
}

// executePurges finalizes hard-deleted records once the backup cycle has
// passed, after which no backup medium still holds their ciphertext.
func (r *RetentionScheduler) executePurges(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-r.cfg.BackupCycle)
	total := 0
	for {
		batch, err := r.store.DueForPurge(ctx, cutoff, r.cfg.SweepBatchSize)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}
		for _, rec := range batch {
			if err := r.store.MarkPurged(ctx, rec, now); err != nil {
				r.logger.Warn("skipping purge",
					zap.String("record_id", rec.ID), zap.Error(err))
				continue
			}
			total++
		}
		if len(batch) < r.cfg.SweepBatchSize {
			return total, nil
		}
	}
}

// Run sweeps on a fixed interval until the context is cancelled. An
// individual sweep failure is logged and retried on the next tick.
func (r *RetentionScheduler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx, r.now()); err != nil {
			r.logger.Error("retention sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
