package eventlog

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sandrom/alice-events/pkg/config"
)

// Trimmer is the slice of the log adapter the retention manager needs.
type Trimmer interface {
	TrimOlderThan(ctx context.Context, kind string, maxAge time.Duration) (int64, error)
}

// RetentionManager periodically trims streams past the configured age
// bound. It runs independently of live traffic; a failed trim is logged
// and retried on the next tick.
type RetentionManager struct {
	log      Trimmer
	logger   *zap.Logger
	kinds    []string
	maxAge   time.Duration
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRetentionManager creates a retention manager for the given kinds.
// The global audit stream is always included.
func NewRetentionManager(log Trimmer, cfg config.RetentionConfig, logger *zap.Logger) *RetentionManager {
	kinds := append([]string(nil), cfg.Kinds...)
	kinds = append(kinds, GlobalStream)

	return &RetentionManager{
		log:      log,
		logger:   logger.Named("retention"),
		kinds:    kinds,
		maxAge:   cfg.MaxAge.Std(),
		interval: cfg.Interval.Std(),
	}
}

// Start begins the periodic trim loop.
func (m *RetentionManager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.logger.Info("retention manager started",
			zap.Duration("max_age", m.maxAge),
			zap.Duration("interval", m.interval),
			zap.Strings("kinds", m.kinds))

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.trimAll(ctx)
			}
		}
	}()
}

// Stop signals the loop to exit and waits for it.
func (m *RetentionManager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.logger.Info("retention manager stopped")
}

func (m *RetentionManager) trimAll(ctx context.Context) {
	for _, kind := range m.kinds {
		trimmed, err := m.log.TrimOlderThan(ctx, kind, m.maxAge)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Error("failed to trim stream",
				zap.String("kind", kind),
				zap.Error(err))
			continue
		}
		if trimmed > 0 {
			m.logger.Info("trimmed stream",
				zap.String("kind", kind),
				zap.Int64("removed", trimmed))
		}
	}
}
