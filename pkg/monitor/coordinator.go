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

// Coordinator is the lifecycle root of the aggregation engine. It owns
// the discovery listener, one server session per discovered backend,
// the stale-instance sweeper, and the registry, and it exposes the
// query/command/subscribe API presenters build on.
type Coordinator struct {
	cfg       config.Config
	reg       *registry.Registry
	listener  *discovery.Listener
	collector *metrics.Collector
	logger    zerolog.Logger

	mu        sync.Mutex
	sessions  map[string]*serverSession
	ctx       context.Context
	cancel    context.CancelFunc
	sweepDone chan struct{}
	started   bool
}

// NewCoordinator creates a stopped coordinator
func NewCoordinator(cfg config.Config) *Coordinator {
	c := &Coordinator{
		cfg:      cfg,
		reg:      registry.New(cfg.LongRunningThreshold),
		logger:   log.WithComponent("coordinator"),
		sessions: make(map[string]*serverSession),
	}
	c.listener = discovery.NewListener(cfg.Port, c.handlePacket)
	c.collector = metrics.NewCollector(c.reg, 15*time.Second)
	return c
}

// Config returns the coordinator's configuration
func (c *Coordinator) Config() config.Config {
	return c.cfg
}

// DiscoveryPort returns the bound UDP discovery port
func (c *Coordinator) DiscoveryPort() int {
	return c.listener.Port()
}

// Start brings the engine up: registry, discovery listener, sweeper.
// A discovery bind failure is fatal and returned.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}

	c.reg.Start()
	if err := c.listener.Start(); err != nil {
		c.reg.Stop()
		metrics.DiscoveryFailed(err.Error())
		return err
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.sweepDone = make(chan struct{})
	go c.sweep(c.ctx, c.sweepDone)
	c.collector.Start()

	metrics.TrackFleet(c.reg)
	metrics.DiscoveryListening(c.listener.Port())

	c.started = true
	c.logger.Info().
		Int("port", c.listener.Port()).
		Dur("stale_timeout", c.cfg.StaleTimeout).
		Dur("refresh_interval", c.cfg.RefreshInterval).
		Msg("Aggregator started")
	return nil
}

// Stop tears the engine down in topological order: discovery listener,
// sweeper, every server session concurrently, then the registry.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	sessions := c.sessions
	c.sessions = make(map[string]*serverSession)
	c.mu.Unlock()

	c.listener.Stop()
	c.cancel()
	<-c.sweepDone
	c.collector.Stop()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *serverSession) {
			defer wg.Done()
			s.stop()
		}(s)
	}
	wg.Wait()

	c.reg.Stop()
	metrics.DiscoveryStopped()
	c.logger.Info().Msg("Aggregator stopped")
}

// ---- Public query API ----

// Servers returns all known servers
func (c *Coordinator) Servers() []types.Server {
	return c.reg.Servers()
}

// Sessions returns all known sessions
func (c *Coordinator) Sessions() []types.Session {
	return c.reg.Sessions()
}

// Session returns one session by id
func (c *Coordinator) Session(id string) (types.Session, bool) {
	return c.reg.Session(id)
}

// ActiveSessions returns all non-terminal sessions
func (c *Coordinator) ActiveSessions() []types.Session {
	return c.reg.ActiveSessions()
}

// LongRunningSessions returns flagged or over-threshold sessions
func (c *Coordinator) LongRunningSessions() []types.Session {
	return c.reg.LongRunningSessions()
}

// Subscribe returns a change-notification subscription
func (c *Coordinator) Subscribe() *registry.Subscription {
	return c.reg.Subscribe()
}

// Unsubscribe drops a subscription
func (c *Coordinator) Unsubscribe(id string) {
	c.reg.Unsubscribe(id)
}

// ---- Public command API ----

// FocusSession requests a full-detail fetch for one session
func (c *Coordinator) FocusSession(sessionID string) error {
	session, err := c.sessionFor("focus_session", sessionID)
	if err != nil {
		return err
	}
	ctx, cancelFn := c.commandContext()
	defer cancelFn()
	return session.focus(ctx, sessionID)
}

// SendMessage sends user input to a session
func (c *Coordinator) SendMessage(sessionID, content string) (backend.SendResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.CommandDuration, "send_message")

	session, err := c.sessionFor("send_message", sessionID)
	if err != nil {
		return backend.SendResult{}, err
	}
	ctx, cancelFn := c.commandContext()
	defer cancelFn()

	result, err := session.sendMessage(ctx, sessionID, content)
	if err != nil {
		metrics.CommandErrorsTotal.WithLabelValues("send_message", string(backend.KindOf(err))).Inc()
	}
	return result, err
}

// AbortSession aborts a running session
func (c *Coordinator) AbortSession(sessionID string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.CommandDuration, "abort")

	session, err := c.sessionFor("abort", sessionID)
	if err != nil {
		return err
	}
	ctx, cancelFn := c.commandContext()
	defer cancelFn()

	if err := session.abort(ctx, sessionID); err != nil {
		metrics.CommandErrorsTotal.WithLabelValues("abort", string(backend.KindOf(err))).Inc()
		return err
	}
	return nil
}

// ResolvePermission answers a pending permission request
func (c *Coordinator) ResolvePermission(sessionID, permissionID string, decision types.PermissionDecision) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.CommandDuration, "resolve_permission")

	session, err := c.sessionFor("resolve_permission", sessionID)
	if err != nil {
		return err
	}
	ctx, cancelFn := c.commandContext()
	defer cancelFn()

	if err := session.resolvePermission(ctx, sessionID, permissionID, decision); err != nil {
		metrics.CommandErrorsTotal.WithLabelValues("resolve_permission", string(backend.KindOf(err))).Inc()
		return err
	}
	return nil
}

// ---- Discovery intake ----

func (c *Coordinator) handlePacket(pkt discovery.Packet) {
	switch p := pkt.(type) {
	case discovery.Announce:
		c.handleAnnounce(p)
	case discovery.Shutdown:
		c.teardownServer(p.ServerID, registry.RemovalShutdown)
	}
}

func (c *Coordinator) handleAnnounce(a discovery.Announce) {
	c.reg.AbsorbAnnounce(a)

	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	session, ok := c.sessions[a.ServerID]
	if !ok {
		session = newServerSession(a, c.reg, c.cfg)
		c.sessions[a.ServerID] = session
		ctx := c.ctx
		c.mu.Unlock()
		session.start(ctx)
		return
	}
	ctx := c.ctx
	c.mu.Unlock()
	session.announceObserved(ctx, a)
}

// teardownServer stops a server session before its records go away,
// preventing use-after-remove.
func (c *Coordinator) teardownServer(serverID, reason string) {
	c.mu.Lock()
	session, ok := c.sessions[serverID]
	delete(c.sessions, serverID)
	c.mu.Unlock()

	if ok {
		session.stop()
	}
	c.reg.AbsorbShutdown(serverID, reason)
}

// sweep periodically removes servers whose last announcement is older
// than the stale timeout. Strictly older: age == timeout is not stale.
func (c *Coordinator) sweep(ctx context.Context, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(c.cfg.SweepInterval())
	defer ticker.Stop()

	c.logger.Info().Dur("interval", c.cfg.SweepInterval()).Msg("Stale sweeper started")
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			for _, server := range c.reg.Servers() {
				if now.Sub(server.LastAnnounce) > c.cfg.StaleTimeout {
					c.logger.Warn().
						Str("server_id", server.ID).
						Time("last_announce", server.LastAnnounce).
						Msg("Server stale, removing")
					c.teardownServer(server.ID, registry.RemovalStale)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// ---- Internals ----

func (c *Coordinator) commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
}

// sessionFor resolves a session id to the server session hosting it
func (c *Coordinator) sessionFor(op, sessionID string) (*serverSession, error) {
	stored, ok := c.reg.Session(sessionID)
	if !ok {
		return nil, &backend.Error{Kind: backend.KindSessionNotFound, Op: op, Err: fmt.Errorf("session %q", sessionID)}
	}

	c.mu.Lock()
	session, ok := c.sessions[stored.ServerID]
	c.mu.Unlock()
	if !ok {
		return nil, &backend.Error{Kind: backend.KindServerNotFound, Op: op, Err: fmt.Errorf("server %q", stored.ServerID)}
	}
	return session, nil
}
