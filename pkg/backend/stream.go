package backend

import (
	"context"
	"sync"
	"time"

	"github.com/perchworks/perch/pkg/log"
	"github.com/perchworks/perch/pkg/metrics"
	"github.com/perchworks/perch/pkg/types"
	"github.com/rs/zerolog"
)

// StreamState is the supervisor's connection state
type StreamState string

const (
	StreamDisconnected StreamState = "disconnected"
	StreamConnecting   StreamState = "connecting"
	StreamConnected    StreamState = "connected"
	StreamReconnecting StreamState = "reconnecting"
	StreamFailed       StreamState = "failed"
)

// SupervisorConfig shapes the reconnect behavior
type SupervisorConfig struct {
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxAttempts int
}

// Supervisor owns one live event-stream subscription and keeps it
// alive with bounded exponential backoff. Events are dispatched
// synchronously in arrival order; a slow consumer applies backpressure
// to the stream read, which is fine with one stream per server.
type Supervisor struct {
	client   *Client
	dispatch func(types.Update)
	onState  func(StreamState)
	cfg      SupervisorConfig
	logger   zerolog.Logger

	mu      sync.Mutex
	state   StreamState
	retries int
	resetCh chan struct{}
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

// NewSupervisor creates a supervisor for the client's event stream.
// onState may be nil; when set it observes every state transition.
func NewSupervisor(client *Client, cfg SupervisorConfig, dispatch func(types.Update), onState func(StreamState)) *Supervisor {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Supervisor{
		client:   client,
		dispatch: dispatch,
		onState:  onState,
		cfg:      cfg,
		logger:   log.WithComponent("stream").With().Str("url", client.BaseURL()).Logger(),
		state:    StreamDisconnected,
		resetCh:  make(chan struct{}, 1),
	}
}

// Start launches the supervision loop. Safe to call once.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.doneCh = make(chan struct{})
	go s.run(ctx, s.doneCh)
}

// Stop cancels the subscription and any pending backoff timer,
// then waits for the loop to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel, doneCh := s.cancel, s.doneCh
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-doneCh
}

// State returns the current connection state
func (s *Supervisor) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reset zeroes the attempt counter and revives a Failed supervisor.
// Called when the server re-announces itself.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	s.retries = 0
	failed := s.state == StreamFailed
	s.mu.Unlock()

	if failed {
		select {
		case s.resetCh <- struct{}{}:
		default:
		}
	}
}

func (s *Supervisor) run(ctx context.Context, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		s.setState(StreamConnecting)

		err := s.client.Subscribe(ctx, s.established, s.dispatch)
		if ctx.Err() != nil {
			s.setState(StreamDisconnected)
			return
		}
		s.logger.Warn().Err(err).Msg("Event stream lost")

		retries := s.bumpRetries()
		if retries > s.cfg.MaxAttempts {
			s.logger.Error().Int("attempts", s.cfg.MaxAttempts).Msg("Event stream giving up")
			metrics.StreamFailuresTotal.Inc()
			s.setState(StreamFailed)
			select {
			case <-ctx.Done():
				s.setState(StreamDisconnected)
				return
			case <-s.resetCh:
				s.logger.Info().Msg("Event stream reset, reconnecting")
				continue
			}
		}

		delay := Backoff(s.cfg.BackoffBase, s.cfg.BackoffCap, retries-1)
		s.logger.Info().Dur("delay", delay).Int("attempt", retries).Msg("Reconnecting after backoff")
		s.setState(StreamReconnecting)
		select {
		case <-ctx.Done():
			s.setState(StreamDisconnected)
			return
		case <-time.After(delay):
		}
		metrics.StreamReconnectsTotal.Inc()
	}
}

// established marks a fully established connection; only this resets
// the attempt counter.
func (s *Supervisor) established() {
	s.mu.Lock()
	s.retries = 0
	s.mu.Unlock()
	s.setState(StreamConnected)
	s.logger.Info().Msg("Event stream connected")
}

func (s *Supervisor) bumpRetries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries++
	return s.retries
}

func (s *Supervisor) setState(state StreamState) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()

	if changed && s.onState != nil {
		s.onState(state)
	}
}

// Backoff returns the reconnect delay for the given zero-based attempt:
// min(base * 2^attempt, cap).
func Backoff(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return cap
	}
	delay := base << uint(attempt)
	if delay > cap || delay <= 0 {
		return cap
	}
	return delay
}
