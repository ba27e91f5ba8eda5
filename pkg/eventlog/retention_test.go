package eventlog_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sandrom/alice-events/pkg/config"
	"github.com/sandrom/alice-events/pkg/eventlog"
	"github.com/sandrom/alice-events/pkg/events"
)

type stubTrimmer struct {
	mu      sync.Mutex
	calls   map[string]int
	failFor string
}

func newStubTrimmer() *stubTrimmer {
	return &stubTrimmer{calls: make(map[string]int)}
}

func (s *stubTrimmer) TrimOlderThan(ctx context.Context, kind string, maxAge time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[kind]++
	if kind == s.failFor {
		return 0, errors.New("trim failed")
	}
	return 1, nil
}

func (s *stubTrimmer) callCount(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[kind]
}

func TestRetentionManager_TrimsAllKindsPlusGlobal(t *testing.T) {
	trimmer := newStubTrimmer()
	manager := eventlog.NewRetentionManager(trimmer, config.RetentionConfig{
		MaxAge:   config.Duration(time.Hour),
		Interval: config.Duration(20 * time.Millisecond),
		Kinds:    []string{events.KindAssetDiscovered, events.KindWorkflowStarted},
	}, zaptest.NewLogger(t))

	manager.Start(context.Background())
	defer manager.Stop()

	require.Eventually(t, func() bool {
		return trimmer.callCount(events.KindAssetDiscovered) >= 1 &&
			trimmer.callCount(events.KindWorkflowStarted) >= 1 &&
			trimmer.callCount(eventlog.GlobalStream) >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRetentionManager_FailedTrimDoesNotStopTheLoop(t *testing.T) {
	trimmer := newStubTrimmer()
	trimmer.failFor = events.KindAssetDiscovered

	manager := eventlog.NewRetentionManager(trimmer, config.RetentionConfig{
		MaxAge:   config.Duration(time.Hour),
		Interval: config.Duration(20 * time.Millisecond),
		Kinds:    []string{events.KindAssetDiscovered, events.KindWorkflowStarted},
	}, zaptest.NewLogger(t))

	manager.Start(context.Background())
	defer manager.Stop()

	require.Eventually(t, func() bool {
		return trimmer.callCount(events.KindAssetDiscovered) >= 2 &&
			trimmer.callCount(events.KindWorkflowStarted) >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRetentionManager_StopWaitsForExit(t *testing.T) {
	trimmer := newStubTrimmer()
	manager := eventlog.NewRetentionManager(trimmer, config.RetentionConfig{
		MaxAge:   config.Duration(time.Hour),
		Interval: config.Duration(10 * time.Millisecond),
	}, zaptest.NewLogger(t))

	manager.Start(context.Background())

	done := make(chan struct{})
	go func() {
		manager.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	// No further trims after Stop returns.
	after := trimmer.callCount(eventlog.GlobalStream)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, trimmer.callCount(eventlog.GlobalStream))
}
