package monitor

import (
	"testing"
	"time"

	"github.com/perchworks/perch/pkg/backend"
	"github.com/perchworks/perch/pkg/config"
	"github.com/perchworks/perch/pkg/discovery"
	"github.com/perchworks/perch/pkg/mock"
	"github.com/perchworks/perch/pkg/registry"
	"github.com/perchworks/perch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig shrinks every interval so tests run in milliseconds.
func testConfig() config.Config {
	cfg := config.Default()
	cfg.Port = 0
	cfg.StaleTimeout = 500 * time.Millisecond
	cfg.RefreshInterval = 50 * time.Millisecond
	cfg.RequestTimeout = 2 * time.Second
	cfg.BackoffBase = 10 * time.Millisecond
	cfg.BackoffCap = 40 * time.Millisecond
	cfg.MaxStreamAttempts = 3
	return cfg
}

func startCoordinator(t *testing.T, cfg config.Config) *Coordinator {
	t.Helper()
	c := NewCoordinator(cfg)
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)
	return c
}

// startBackend runs a mock backend and injects its announcement
// directly, bypassing UDP (the integration tests cover the wire).
func startBackend(t *testing.T, c *Coordinator, m mock.Manifest) *mock.Server {
	t.Helper()
	srv := mock.NewServer(m)
	require.NoError(t, srv.Start("127.0.0.1:0", 1, time.Hour))
	t.Cleanup(srv.Stop)
	c.handlePacket(announcePacket(srv))
	return srv
}

func announcePacket(srv *mock.Server) discovery.Announce {
	return discovery.Announce{
		ServerID:   srv.ServerID(),
		ServerURL:  srv.URL(),
		ServerName: "mock",
		Timestamp:  time.Now(),
	}
}

func waitForSession(t *testing.T, c *Coordinator, id string) types.Session {
	t.Helper()
	var got types.Session
	require.Eventually(t, func() bool {
		s, ok := c.Session(id)
		if ok {
			got = s
		}
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	return got
}

func TestCoordinatorAbsorbsInitialSnapshot(t *testing.T) {
	c := startCoordinator(t, testConfig())
	startBackend(t, c, mock.Manifest{
		ServerID: "srv-1",
		Sessions: []mock.SessionScript{
			{ID: "s1", Name: "one", Status: "busy"},
			{ID: "s2", Name: "two", Status: "idle"},
		},
	})

	waitForSession(t, c, "s1")
	waitForSession(t, c, "s2")

	servers := c.Servers()
	require.Len(t, servers, 1)
	assert.Equal(t, "srv-1", servers[0].ID)
	assert.Equal(t, types.ServerHealthy, servers[0].Health)
	assert.ElementsMatch(t, []string{"s1", "s2"}, servers[0].SessionIDs)

	s1, _ := c.Session("s1")
	assert.Equal(t, types.StatusBusy, s1.Status)
	s2, _ := c.Session("s2")
	assert.Equal(t, types.StatusIdle, s2.Status)
}

func TestCoordinatorStreamsStatusChanges(t *testing.T) {
	c := startCoordinator(t, testConfig())
	srv := startBackend(t, c, mock.Manifest{
		ServerID: "srv-1",
		Sessions: []mock.SessionScript{{ID: "s1", Status: "idle"}},
	})

	waitForSession(t, c, "s1")

	srv.SetStatus("s1", "busy")
	require.Eventually(t, func() bool {
		s, _ := c.Session("s1")
		return s.Status == types.StatusBusy
	}, 5*time.Second, 10*time.Millisecond)

	srv.SetStatus("s1", "completed")
	require.Eventually(t, func() bool {
		s, _ := c.Session("s1")
		return s.Status == types.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	// Terminal status survives later snapshots.
	time.Sleep(3 * c.Config().RefreshInterval)
	s, _ := c.Session("s1")
	assert.Equal(t, types.StatusCompleted, s.Status)
}

func TestCoordinatorPicksUpNewSessionsViaRefresh(t *testing.T) {
	c := startCoordinator(t, testConfig())
	srv := startBackend(t, c, mock.Manifest{ServerID: "srv-1"})

	require.Eventually(t, func() bool {
		return len(c.Servers()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	srv.AddSession(mock.SessionScript{ID: "late", Name: "late session"})
	waitForSession(t, c, "late")

	srv.RemoveSession("late")
	require.Eventually(t, func() bool {
		_, ok := c.Session("late")
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCoordinatorCommandsRoundTrip(t *testing.T) {
	c := startCoordinator(t, testConfig())
	startBackend(t, c, mock.Manifest{
		ServerID: "srv-1",
		Sessions: []mock.SessionScript{{ID: "s3", Status: "busy"}},
	})
	waitForSession(t, c, "s3")

	// Abort, then observe the forced refresh reflecting it without
	// waiting for an event or the next tick.
	require.NoError(t, c.AbortSession("s3"))
	s, _ := c.Session("s3")
	assert.Equal(t, types.StatusAborted, s.Status)

	err := c.AbortSession("nonexistent")
	assert.Equal(t, backend.KindSessionNotFound, backend.KindOf(err))
}

func TestCoordinatorSendMessage(t *testing.T) {
	c := startCoordinator(t, testConfig())
	startBackend(t, c, mock.Manifest{
		ServerID: "srv-1",
		Sessions: []mock.SessionScript{{ID: "s1", Status: "idle"}},
	})
	waitForSession(t, c, "s1")

	result, err := c.SendMessage("s1", "hello there")
	require.NoError(t, err)
	assert.Equal(t, "accepted", result.Disposition)

	// The forced refresh pulled the full detail, content included.
	s, _ := c.Session("s1")
	require.NotEmpty(t, s.Messages)
	assert.Equal(t, "hello there", s.Messages[len(s.Messages)-1].Content)
	assert.Equal(t, types.StatusBusy, s.Status)
}

func TestCoordinatorFocusSessionLoadsContent(t *testing.T) {
	c := startCoordinator(t, testConfig())
	srv := startBackend(t, c, mock.Manifest{
		ServerID: "srv-1",
		Sessions: []mock.SessionScript{{ID: "s1", Status: "busy"}},
	})
	waitForSession(t, c, "s1")

	// The stream event carries no content.
	srv.AddMessage("s1", "assistant", "assistant_response", "the answer")
	require.Eventually(t, func() bool {
		s, _ := c.Session("s1")
		return len(s.Messages) == 1
	}, 5*time.Second, 10*time.Millisecond)

	s, _ := c.Session("s1")
	assert.Empty(t, s.Messages[0].Content)

	// Focusing fetches the detail and fills it in.
	require.NoError(t, c.FocusSession("s1"))
	s, _ = c.Session("s1")
	require.Len(t, s.Messages, 1)
	assert.Equal(t, "the answer", s.Messages[0].Content)
}

func TestCoordinatorPermissionFlow(t *testing.T) {
	c := startCoordinator(t, testConfig())
	srv := startBackend(t, c, mock.Manifest{
		ServerID: "srv-1",
		Sessions: []mock.SessionScript{{ID: "s1", Status: "busy"}},
	})
	waitForSession(t, c, "s1")

	srv.RequestPermission("s1", "p1", "bash", "run ls")
	require.Eventually(t, func() bool {
		s, _ := c.Session("s1")
		return s.Status == types.StatusWaitingForPermission
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.ResolvePermission("s1", "p1", types.PermissionAllowOnce))
	require.Eventually(t, func() bool {
		s, _ := c.Session("s1")
		return s.Status == types.StatusBusy
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCoordinatorShutdownPacketCascades(t *testing.T) {
	c := startCoordinator(t, testConfig())
	srv := startBackend(t, c, mock.Manifest{
		ServerID: "srv-1",
		Sessions: []mock.SessionScript{{ID: "x"}, {ID: "y"}},
	})
	waitForSession(t, c, "x")
	waitForSession(t, c, "y")

	sub := c.Subscribe()
	defer c.Unsubscribe(sub.ID)

	c.handlePacket(discovery.Shutdown{ServerID: srv.ServerID(), Timestamp: time.Now()})

	require.Eventually(t, func() bool {
		return len(c.Servers()) == 0 && len(c.Sessions()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	var removals []registry.Notification
	timeout := time.After(5 * time.Second)
	for len(removals) < 3 {
		select {
		case n := <-sub.C:
			switch n.(type) {
			case registry.SessionRemoved, registry.ServerRemoved:
				removals = append(removals, n)
			}
		case <-timeout:
			t.Fatalf("timed out with %d removals", len(removals))
		}
	}

	_, ok := removals[0].(registry.SessionRemoved)
	assert.True(t, ok)
	_, ok = removals[1].(registry.SessionRemoved)
	assert.True(t, ok)
	removed, ok := removals[2].(registry.ServerRemoved)
	require.True(t, ok)
	assert.Equal(t, registry.RemovalShutdown, removed.Reason)
}

func TestCoordinatorStaleSweep(t *testing.T) {
	cfg := testConfig()
	cfg.StaleTimeout = 300 * time.Millisecond
	c := startCoordinator(t, cfg)

	// One announcement, then silence.
	startBackend(t, c, mock.Manifest{ServerID: "srv-1"})
	require.Eventually(t, func() bool {
		return len(c.Servers()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	sub := c.Subscribe()
	defer c.Unsubscribe(sub.ID)

	require.Eventually(t, func() bool {
		return len(c.Servers()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	timeout := time.After(5 * time.Second)
	for {
		select {
		case n := <-sub.C:
			if removed, ok := n.(registry.ServerRemoved); ok {
				assert.Equal(t, registry.RemovalStale, removed.Reason)
				return
			}
		case <-timeout:
			t.Fatal("no ServerRemoved notification")
		}
	}
}

func TestCoordinatorRefreshFailureFlipsHealth(t *testing.T) {
	c := startCoordinator(t, testConfig())
	srv := startBackend(t, c, mock.Manifest{
		ServerID: "srv-1",
		Sessions: []mock.SessionScript{{ID: "s1"}},
	})
	waitForSession(t, c, "s1")

	// Kill the backend HTTP server. No announcement reaches the
	// coordinator, so the record stays until the stale timeout, but
	// snapshots start failing at once.
	srv.Stop()

	require.Eventually(t, func() bool {
		servers := c.Servers()
		return len(servers) == 1 && servers[0].Health == types.ServerUnhealthy
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCoordinatorReannounceWithNewURLRewires(t *testing.T) {
	c := startCoordinator(t, testConfig())
	first := startBackend(t, c, mock.Manifest{
		ServerID: "srv-1",
		Sessions: []mock.SessionScript{{ID: "s1"}},
	})
	waitForSession(t, c, "s1")
	first.Stop()

	// The same server id comes back on a different port with a new
	// session set.
	second := mock.NewServer(mock.Manifest{
		ServerID: "srv-1",
		Sessions: []mock.SessionScript{{ID: "s9"}},
	})
	require.NoError(t, second.Start("127.0.0.1:0", 1, time.Hour))
	t.Cleanup(second.Stop)
	c.handlePacket(announcePacket(second))

	waitForSession(t, c, "s9")
	servers := c.Servers()
	require.Len(t, servers, 1)
	assert.Equal(t, second.URL(), servers[0].URL)

	require.Eventually(t, func() bool {
		_, ok := c.Session("s1")
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCoordinatorStopIsOrderly(t *testing.T) {
	c := startCoordinator(t, testConfig())
	startBackend(t, c, mock.Manifest{
		ServerID: "srv-1",
		Sessions: []mock.SessionScript{{ID: "s1", Status: "busy"}},
	})
	waitForSession(t, c, "s1")

	sub := c.Subscribe()
	c.Stop()

	// Subscriber channels are closed on stop.
	for {
		if _, open := <-sub.C; !open {
			break
		}
	}

	assert.Empty(t, c.Servers())
	// Stop twice is safe.
	c.Stop()
}

func TestCoordinatorStreamExhaustionReportsError(t *testing.T) {
	cfg := testConfig()
	cfg.MaxStreamAttempts = 2
	c := startCoordinator(t, cfg)

	sub := c.Subscribe()
	defer c.Unsubscribe(sub.ID)

	// Announce a server whose event stream endpoint does not exist.
	// Snapshots fail too, so the server goes unhealthy and stays.
	c.handlePacket(discovery.Announce{
		ServerID:   "srv-dead",
		ServerURL:  "http://127.0.0.1:1",
		ServerName: "dead",
		Timestamp:  time.Now(),
	})

	timeout := time.After(10 * time.Second)
	for {
		select {
		case n := <-sub.C:
			if aggErr, ok := n.(registry.AggregatorError); ok {
				assert.Equal(t, "srv-dead", aggErr.ServerID)
				servers := c.Servers()
				require.Len(t, servers, 1)
				assert.Equal(t, types.ServerUnhealthy, servers[0].Health)
				return
			}
		case <-timeout:
			t.Fatal("no AggregatorError notification")
		}
	}
}
