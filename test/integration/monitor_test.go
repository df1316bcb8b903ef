package integration

import (
	"testing"
	"time"

	"github.com/perchworks/perch/pkg/config"
	"github.com/perchworks/perch/pkg/mock"
	"github.com/perchworks/perch/pkg/monitor"
	"github.com/perchworks/perch/pkg/registry"
	"github.com/perchworks/perch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests exercise the whole engine over the real wire: UDP
// discovery datagrams, HTTP snapshots, and the SSE event stream, with
// the mock backend standing in for real servers.

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Port = 0
	cfg.StaleTimeout = 600 * time.Millisecond
	cfg.RefreshInterval = 50 * time.Millisecond
	cfg.RequestTimeout = 2 * time.Second
	cfg.BackoffBase = 10 * time.Millisecond
	cfg.BackoffCap = 40 * time.Millisecond
	return cfg
}

func TestDiscoverObserveCommandShutdown(t *testing.T) {
	c := monitor.NewCoordinator(testConfig())
	require.NoError(t, c.Start())
	defer c.Stop()

	sub := c.Subscribe()
	defer c.Unsubscribe(sub.ID)

	// A backend comes up and announces itself over UDP.
	srv := mock.NewServer(mock.Manifest{
		ServerID:   "it-1",
		ServerName: "integration box",
		Project:    "perch",
		Sessions: []mock.SessionScript{
			{ID: "s1", Name: "fix tests", Status: "busy"},
		},
	})
	require.NoError(t, srv.Start("127.0.0.1:0", c.DiscoveryPort(), 100*time.Millisecond))

	require.Eventually(t, func() bool {
		servers := c.Servers()
		return len(servers) == 1 && servers[0].Name == "integration box"
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		s, ok := c.Session("s1")
		return ok && s.Status == types.StatusBusy
	}, 5*time.Second, 10*time.Millisecond)

	// A live status change flows through the event stream.
	srv.SetStatus("s1", "idle")
	require.Eventually(t, func() bool {
		s, _ := c.Session("s1")
		return s.Status == types.StatusIdle
	}, 5*time.Second, 10*time.Millisecond)

	// Commands round-trip and force a refresh.
	result, err := c.SendMessage("s1", "carry on")
	require.NoError(t, err)
	assert.Equal(t, "accepted", result.Disposition)
	s, _ := c.Session("s1")
	assert.Equal(t, types.StatusBusy, s.Status)

	// Graceful shutdown: the backend's shutdown datagram cascades.
	srv.Stop()
	require.Eventually(t, func() bool {
		return len(c.Servers()) == 0 && len(c.Sessions()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	// The subscriber saw the removal, session before server.
	var sawSession, sawServer bool
	timeout := time.After(5 * time.Second)
	for !sawServer {
		select {
		case n, ok := <-sub.C:
			require.True(t, ok, "subscription closed early")
			switch v := n.(type) {
			case registry.SessionRemoved:
				assert.False(t, sawServer, "session removal must precede server removal")
				sawSession = true
			case registry.ServerRemoved:
				assert.Equal(t, registry.RemovalShutdown, v.Reason)
				sawServer = true
			}
		case <-timeout:
			t.Fatal("no removal notifications")
		}
	}
	assert.True(t, sawSession)
}

func TestStaleServerSweptWithoutAnnouncements(t *testing.T) {
	c := monitor.NewCoordinator(testConfig())
	require.NoError(t, c.Start())
	defer c.Stop()

	// Announce once with a long interval, so silence follows.
	srv := mock.NewServer(mock.Manifest{ServerID: "it-stale"})
	require.NoError(t, srv.Start("127.0.0.1:0", c.DiscoveryPort(), time.Hour))
	defer srv.Stop()

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
			t.Fatal("no stale removal notification")
		}
	}
}

func TestTwoServersAggregateIndependently(t *testing.T) {
	c := monitor.NewCoordinator(testConfig())
	require.NoError(t, c.Start())
	defer c.Stop()

	first := mock.NewServer(mock.Manifest{
		ServerID: "it-a",
		Sessions: []mock.SessionScript{{ID: "a1", Status: "busy"}},
	})
	require.NoError(t, first.Start("127.0.0.1:0", c.DiscoveryPort(), 100*time.Millisecond))
	defer first.Stop()

	second := mock.NewServer(mock.Manifest{
		ServerID: "it-b",
		Sessions: []mock.SessionScript{{ID: "b1", Status: "idle"}, {ID: "b2", Status: "pending"}},
	})
	require.NoError(t, second.Start("127.0.0.1:0", c.DiscoveryPort(), 100*time.Millisecond))
	defer second.Stop()

	require.Eventually(t, func() bool {
		return len(c.Servers()) == 2 && len(c.Sessions()) == 3
	}, 5*time.Second, 10*time.Millisecond)

	active := c.ActiveSessions()
	assert.Len(t, active, 3)

	// Dropping one server leaves the other untouched.
	first.Stop()
	require.Eventually(t, func() bool {
		return len(c.Servers()) == 1 && len(c.Sessions()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "it-b", c.Servers()[0].ID)
}
