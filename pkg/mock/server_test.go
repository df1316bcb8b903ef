package mock

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/perchworks/perch/pkg/backend"
	"github.com/perchworks/perch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startMock(t *testing.T, m Manifest) *Server {
	t.Helper()
	srv := NewServer(m)
	// Discovery port 1 is unroutable locally; announcements just vanish,
	// which these tests do not care about.
	require.NoError(t, srv.Start("127.0.0.1:0", 1, time.Hour))
	t.Cleanup(srv.Stop)
	return srv
}

func TestLoadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mock.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_id: dev-1
server_name: dev box
project: perch
sessions:
  - id: s1
    name: fix tests
    status: busy
    messages:
      - role: user
        type: user_input
        content: please fix the tests
  - id: s2
`), 0o644))

	m, err := LoadManifest(path)
	require.NoError(t, err)

	assert.Equal(t, "dev-1", m.ServerID)
	require.Len(t, m.Sessions, 2)
	assert.Equal(t, "busy", m.Sessions[0].Status)
	assert.Equal(t, "idle", m.Sessions[1].Status)
	assert.Equal(t, "s2", m.Sessions[1].Name)
}

func TestLoadManifestErrors(t *testing.T) {
	_, err := LoadManifest(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("sessions: {not a list"), 0o644))
	_, err = LoadManifest(bad)
	assert.Error(t, err)
}

func TestMockServesSnapshot(t *testing.T) {
	srv := startMock(t, Manifest{
		ServerID: "mock-1",
		Sessions: []SessionScript{
			{ID: "s1", Name: "one", Status: "busy"},
			{ID: "s2", Name: "two", Status: "idle"},
			{ID: "s3", Name: "three", Status: "pending"},
		},
	})

	client := backend.NewClient(srv.URL(), 2*time.Second)

	sessions, err := client.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	assert.Equal(t, "s1", sessions[0].ID)

	statuses, err := client.SessionStatuses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StatusBusy, statuses["s1"])
	assert.Equal(t, types.StatusWaitingForPermission, statuses["s3"])
	_, listed := statuses["s2"]
	assert.False(t, listed, "idle sessions carry no runtime status")
}

func TestMockSessionDetailAndCommands(t *testing.T) {
	srv := startMock(t, Manifest{
		ServerID: "mock-1",
		Sessions: []SessionScript{{
			ID: "s1", Name: "one", Status: "idle",
			Messages: []MessageScript{{Role: "user", Type: "user_input", Content: "hello"}},
		}},
	})

	client := backend.NewClient(srv.URL(), 2*time.Second)

	detail, err := client.GetSession(context.Background(), "mock-1", "s1")
	require.NoError(t, err)
	require.Len(t, detail.Messages, 1)
	assert.Equal(t, "hello", detail.Messages[0].Content)

	result, err := client.SendMessage(context.Background(), "s1", "and another")
	require.NoError(t, err)
	assert.Equal(t, "accepted", result.Disposition)
	assert.NotEmpty(t, result.MessageID)

	detail, err = client.GetSession(context.Background(), "mock-1", "s1")
	require.NoError(t, err)
	assert.Len(t, detail.Messages, 2)
	assert.Equal(t, types.StatusBusy, detail.Status)

	require.NoError(t, client.Abort(context.Background(), "s1"))
	detail, err = client.GetSession(context.Background(), "mock-1", "s1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusAborted, detail.Status)
}

func TestMockNotFound(t *testing.T) {
	srv := startMock(t, Manifest{ServerID: "mock-1"})
	client := backend.NewClient(srv.URL(), 2*time.Second)

	_, err := client.GetSession(context.Background(), "mock-1", "ghost")
	assert.Equal(t, backend.KindSessionNotFound, backend.KindOf(err))

	err = client.Abort(context.Background(), "ghost")
	assert.Equal(t, backend.KindSessionNotFound, backend.KindOf(err))
}

func TestMockEventStream(t *testing.T) {
	srv := startMock(t, Manifest{
		ServerID: "mock-1",
		Sessions: []SessionScript{{ID: "s1", Status: "idle"}},
	})
	client := backend.NewClient(srv.URL(), 2*time.Second)

	updates := make(chan types.Update, 16)
	connected := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = client.Subscribe(ctx, func() { close(connected) }, func(u types.Update) {
			updates <- u
		})
	}()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never connected")
	}

	srv.SetStatus("s1", "busy")
	srv.AddMessage("s1", "assistant", "assistant_response", "working on it")
	srv.RequestPermission("s1", "p1", "bash", "run ls")

	expectUpdate := func() types.Update {
		select {
		case u := <-updates:
			return u
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for update")
			return nil
		}
	}

	su, ok := expectUpdate().(types.SessionUpdate)
	require.True(t, ok)
	assert.Equal(t, types.StatusBusy, su.NewStatus)

	ma, ok := expectUpdate().(types.MessageArrived)
	require.True(t, ok)
	assert.Equal(t, "s1", ma.SessionID)
	assert.Empty(t, ma.Content)

	pr, ok := expectUpdate().(types.PermissionRequested)
	require.True(t, ok)
	assert.Equal(t, "p1", pr.PermissionID)
}
