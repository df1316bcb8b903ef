package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/perchworks/perch/pkg/backend"
	"github.com/perchworks/perch/pkg/config"
	"github.com/perchworks/perch/pkg/discovery"
	"github.com/perchworks/perch/pkg/log"
	"github.com/perchworks/perch/pkg/metrics"
	"github.com/perchworks/perch/pkg/registry"
	"github.com/perchworks/perch/pkg/types"
	"github.com/rs/zerolog"
)

// serverSession supervises one discovered backend while it is alive:
// it owns the HTTP client and event-stream supervisor, runs the
// periodic snapshot reconciliation, and tracks server health through
// snapshot outcomes.
type serverSession struct {
	serverID string
	reg      *registry.Registry
	cfg      config.Config
	logger   zerolog.Logger

	mu         sync.Mutex
	url        string
	client     *backend.Client
	supervisor *backend.Supervisor
	cancel     context.CancelFunc
	doneCh     chan struct{}
}

func newServerSession(a discovery.Announce, reg *registry.Registry, cfg config.Config) *serverSession {
	s := &serverSession{
		serverID: a.ServerID,
		reg:      reg,
		cfg:      cfg,
		logger:   log.WithServerID(a.ServerID),
		url:      a.ServerURL,
	}
	s.client = backend.NewClient(a.ServerURL, cfg.RequestTimeout)
	s.supervisor = s.newSupervisor(s.client)
	return s
}

func (s *serverSession) newSupervisor(client *backend.Client) *backend.Supervisor {
	return backend.NewSupervisor(client, backend.SupervisorConfig{
		BackoffBase: s.cfg.BackoffBase,
		BackoffCap:  s.cfg.BackoffCap,
		MaxAttempts: s.cfg.MaxStreamAttempts,
	}, s.reg.AbsorbUpdate, s.onStreamState)
}

// start runs the initial reconciliation, opens the event stream, and
// launches the periodic refresher.
func (s *serverSession) start(parent context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.doneCh = make(chan struct{})

	go s.run(ctx, s.doneCh)
}

func (s *serverSession) run(ctx context.Context, doneCh chan struct{}) {
	defer close(doneCh)

	s.refresh(ctx)

	s.mu.Lock()
	sup := s.supervisor
	s.mu.Unlock()
	sup.Start(ctx)

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	s.logger.Info().Str("url", s.currentURL()).Msg("Server session started")
	for {
		select {
		case <-ticker.C:
			s.refresh(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// stop tears the session down: event stream first, then the refresher.
// The caller removes the server from the registry afterwards.
func (s *serverSession) stop() {
	s.mu.Lock()
	cancel, doneCh, sup := s.cancel, s.doneCh, s.supervisor
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	sup.Stop()
	cancel()
	<-doneCh

	s.logger.Info().Msg("Server session stopped")
}

// announceObserved reacts to a re-announcement: it revives a Failed
// stream supervisor and rewires the client when the URL moved.
func (s *serverSession) announceObserved(ctx context.Context, a discovery.Announce) {
	s.mu.Lock()
	if a.ServerURL == s.url {
		sup := s.supervisor
		s.mu.Unlock()
		sup.Reset()
		return
	}

	s.logger.Info().Str("old", s.url).Str("new", a.ServerURL).Msg("Server URL changed, rewiring client")
	old := s.supervisor
	s.url = a.ServerURL
	s.client = backend.NewClient(a.ServerURL, s.cfg.RequestTimeout)
	s.supervisor = s.newSupervisor(s.client)
	running := s.cancel != nil
	sup := s.supervisor
	s.mu.Unlock()

	old.Stop()
	if running {
		sup.Start(ctx)
	}
}

// refresh fetches the session list and status map and hands the merged
// snapshot to the registry. Failures flip the server unhealthy; the
// next tick tries again.
func (s *serverSession) refresh(ctx context.Context) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	timer := metrics.NewTimer()

	summaries, err := client.ListSessions(ctx)
	if err != nil {
		s.snapshotFailed("list_sessions", err)
		return
	}
	statuses, err := client.SessionStatuses(ctx)
	if err != nil {
		s.snapshotFailed("get_session_status", err)
		return
	}

	for i, summary := range summaries {
		if status, ok := statuses[summary.ID]; ok {
			summaries[i].Status = status
		}
	}

	s.reg.AbsorbSnapshot(s.serverID, summaries)
	s.reg.SetServerHealth(s.serverID, true)
	timer.ObserveDuration(metrics.SnapshotDuration)
}

func (s *serverSession) snapshotFailed(op string, err error) {
	metrics.SnapshotFailuresTotal.Inc()
	s.logger.Warn().Err(err).Str("op", op).Msg("Snapshot failed")
	s.reg.SetServerHealth(s.serverID, false)
}

// focus fetches full detail (messages included) for one session
func (s *serverSession) focus(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	detail, err := client.GetSession(ctx, s.serverID, sessionID)
	if err != nil {
		return err
	}
	s.reg.AbsorbSessionDetail(detail)
	return nil
}

// sendMessage passes user input through and refreshes the session so
// observable state reflects the command without waiting for an event.
func (s *serverSession) sendMessage(ctx context.Context, sessionID, content string) (backend.SendResult, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	result, err := client.SendMessage(ctx, sessionID, content)
	if err != nil {
		return backend.SendResult{}, err
	}
	s.refreshSession(ctx, sessionID)
	return result, nil
}

// abort passes an abort through, then refreshes the session
func (s *serverSession) abort(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	if err := client.Abort(ctx, sessionID); err != nil {
		return err
	}
	s.refreshSession(ctx, sessionID)
	return nil
}

// resolvePermission answers a permission prompt, then refreshes
func (s *serverSession) resolvePermission(ctx context.Context, sessionID, permissionID string, decision types.PermissionDecision) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	if err := client.ResolvePermission(ctx, sessionID, permissionID, decision); err != nil {
		return err
	}
	s.refreshSession(ctx, sessionID)
	return nil
}

func (s *serverSession) refreshSession(ctx context.Context, sessionID string) {
	if err := s.focus(ctx, sessionID); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Post-command refresh failed")
	}
}

func (s *serverSession) currentURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// onStreamState surfaces a supervisor that spent its attempt budget.
// The unhealthy flag rolls up into the aggregator's own health report;
// reconnect churn is visible through the stream metrics instead.
func (s *serverSession) onStreamState(state backend.StreamState) {
	if state != backend.StreamFailed {
		return
	}
	s.reg.SetServerHealth(s.serverID, false)
	s.reg.ReportError(s.serverID, fmt.Sprintf("event stream to %s failed after %d attempts", s.currentURL(), s.cfg.MaxStreamAttempts))
}
