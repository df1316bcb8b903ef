package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/perchworks/perch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffSchedule(t *testing.T) {
	base := time.Second
	cap := 30 * time.Second

	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
		30 * time.Second, 30 * time.Second,
	}
	for i, expected := range want {
		assert.Equal(t, expected, Backoff(base, cap, i), "attempt %d", i)
	}
}

func TestBackoffGuards(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(time.Second, 30*time.Second, -1))
	assert.Equal(t, 30*time.Second, Backoff(time.Second, 30*time.Second, 64))
}

// stateRecorder collects supervisor state transitions.
type stateRecorder struct {
	mu     sync.Mutex
	states []StreamState
}

func (r *stateRecorder) record(s StreamState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) has(want StreamState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s == want {
			return true
		}
	}
	return false
}

func TestSupervisorEntersFailedAfterBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rec := &stateRecorder{}
	client := NewClient(srv.URL, time.Second)
	sup := NewSupervisor(client, SupervisorConfig{
		BackoffBase: time.Millisecond,
		BackoffCap:  4 * time.Millisecond,
		MaxAttempts: 3,
	}, func(types.Update) {}, rec.record)

	sup.Start(context.Background())
	defer sup.Stop()

	require.Eventually(t, func() bool {
		return sup.State() == StreamFailed
	}, 5*time.Second, 5*time.Millisecond)

	assert.True(t, rec.has(StreamConnecting))
	assert.True(t, rec.has(StreamReconnecting))
}

func TestSupervisorResetRevivesFailed(t *testing.T) {
	var mu sync.Mutex
	healthy := false

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ok := healthy
		mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	sup := NewSupervisor(client, SupervisorConfig{
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
		MaxAttempts: 2,
	}, func(types.Update) {}, nil)

	sup.Start(context.Background())
	defer sup.Stop()

	require.Eventually(t, func() bool {
		return sup.State() == StreamFailed
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	healthy = true
	mu.Unlock()
	sup.Reset()

	require.Eventually(t, func() bool {
		return sup.State() == StreamConnected
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSupervisorStopDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	sup := NewSupervisor(client, SupervisorConfig{
		BackoffBase: time.Hour,
		BackoffCap:  time.Hour,
		MaxAttempts: 10,
	}, func(types.Update) {}, nil)

	sup.Start(context.Background())

	require.Eventually(t, func() bool {
		return sup.State() == StreamReconnecting
	}, 5*time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		sup.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not cancel the backoff timer")
	}
	assert.Equal(t, StreamDisconnected, sup.State())
}
