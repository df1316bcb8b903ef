package mock

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/perchworks/perch/pkg/discovery"
	"github.com/perchworks/perch/pkg/log"
	"github.com/rs/zerolog"
)

// keepaliveInterval paces SSE comment lines on idle streams
const keepaliveInterval = 15 * time.Second

// session is the mock's wire-shaped session state
type session struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	CreatedAt    int64     `json:"created_at"`
	LastActivity int64     `json:"last_activity"`
	LongRunning  bool      `json:"long_running"`
	ParentID     string    `json:"parent_id,omitempty"`
	Project      string    `json:"project,omitempty"`
	Branch       string    `json:"branch,omitempty"`
	CostUSD      float64   `json:"cost_usd,omitempty"`
	Tokens       int64     `json:"tokens,omitempty"`
	Messages     []message `json:"messages"`
}

type message struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Role      string `json:"role"`
	Type      string `json:"type"`
	Content   string `json:"content"`
}

// Server is an in-process backend implementing the discovery and HTTP
// protocols the aggregator consumes. Tests and the mock command drive
// it; scripted state changes flow out through its SSE stream exactly
// like a real backend's.
type Server struct {
	manifest Manifest
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	order    []string
	streams  map[chan string]struct{}

	httpSrv   *http.Server
	ln        net.Listener
	announcer *discovery.Announcer
}

// NewServer creates a mock backend from a manifest
func NewServer(m Manifest) *Server {
	m.applyDefaults()
	s := &Server{
		manifest: m,
		logger:   log.WithComponent("mock").With().Str("server_id", m.ServerID).Logger(),
		sessions: make(map[string]*session),
		streams:  make(map[chan string]struct{}),
	}

	now := time.Now().UnixMilli()
	for _, script := range m.Sessions {
		sess := &session{
			ID:           script.ID,
			Name:         script.Name,
			Status:       script.Status,
			CreatedAt:    now,
			LastActivity: now,
			LongRunning:  script.LongRunning,
			ParentID:     script.Parent,
			Project:      script.Project,
			Branch:       script.Branch,
		}
		for _, msg := range script.Messages {
			sess.Messages = append(sess.Messages, message{
				ID:        uuid.NewString(),
				Timestamp: now,
				Role:      msg.Role,
				Type:      msg.Type,
				Content:   msg.Content,
			})
			now++
		}
		s.sessions[sess.ID] = sess
		s.order = append(s.order, sess.ID)
	}
	return s
}

// Start binds the HTTP listener and begins announcing over UDP.
// addr may use port 0; URL reports the bound address.
func (s *Server) Start(addr string, discoveryPort int, announceInterval time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("mock listen: %w", err)
	}
	s.ln = ln

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET("/api/sessions", s.handleList)
	router.GET("/api/sessions/status", s.handleStatuses)
	router.GET("/api/sessions/:id", s.handleGet)
	router.POST("/api/sessions/:id/message", s.handleSend)
	router.POST("/api/sessions/:id/abort", s.handleAbort)
	router.POST("/api/sessions/:id/permission", s.handlePermission)
	router.GET("/api/events", s.handleEvents)

	s.httpSrv = &http.Server{Handler: router}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Mock server stopped unexpectedly")
		}
	}()

	s.announcer = discovery.NewAnnouncer(discovery.Announce{
		ServerID:   s.manifest.ServerID,
		ServerURL:  s.URL(),
		ServerName: s.manifest.ServerName,
		Project:    s.manifest.Project,
		Branch:     s.manifest.Branch,
		Version:    s.manifest.Version,
	}, discoveryPort, announceInterval)
	s.announcer.Start()

	s.logger.Info().Str("url", s.URL()).Int("discovery_port", discoveryPort).Msg("Mock backend started")
	return nil
}

// Stop announces shutdown, closes streams and the HTTP server
func (s *Server) Stop() {
	if s.announcer != nil {
		s.announcer.Stop()
	}

	s.mu.Lock()
	for ch := range s.streams {
		close(ch)
	}
	s.streams = make(map[chan string]struct{})
	s.mu.Unlock()

	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
	}
}

// URL returns the backend base URL
func (s *Server) URL() string {
	return fmt.Sprintf("http://%s", s.ln.Addr().String())
}

// ServerID returns the announced server id
func (s *Server) ServerID() string {
	return s.manifest.ServerID
}

// ---- Scripted state changes ----

// SetStatus changes a session's status and emits session.status
func (s *Server) SetStatus(sessionID, status string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		sess.Status = status
		sess.LastActivity = time.Now().UnixMilli()
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.emit("session.status", map[string]any{
		"session_id": sessionID,
		"status":     status,
		"timestamp":  time.Now().UnixMilli(),
	})
}

// AddMessage appends a message and emits message.updated without
// content, the way real backends defer bodies to the detail fetch.
func (s *Server) AddMessage(sessionID, role, msgType, content string) string {
	id := uuid.NewString()
	now := time.Now().UnixMilli()

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		sess.Messages = append(sess.Messages, message{
			ID: id, Timestamp: now, Role: role, Type: msgType, Content: content,
		})
		sess.LastActivity = now
	}
	s.mu.Unlock()
	if !ok {
		return ""
	}

	s.emit("message.updated", map[string]any{
		"session_id":   sessionID,
		"message_id":   id,
		"timestamp":    now,
		"role":         role,
		"message_type": msgType,
	})
	return id
}

// RequestPermission flips a session to pending and emits
// permission.updated.
func (s *Server) RequestPermission(sessionID, permissionID, tool, description string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		sess.Status = "pending"
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.emit("permission.updated", map[string]any{
		"session_id":    sessionID,
		"permission_id": permissionID,
		"tool_name":     tool,
		"description":   description,
	})
}

// AddSession registers a new session at runtime
func (s *Server) AddSession(script SessionScript) {
	now := time.Now().UnixMilli()
	if script.Status == "" {
		script.Status = "idle"
	}

	s.mu.Lock()
	s.sessions[script.ID] = &session{
		ID:           script.ID,
		Name:         script.Name,
		Status:       script.Status,
		CreatedAt:    now,
		LastActivity: now,
		ParentID:     script.Parent,
	}
	s.order = append(s.order, script.ID)
	s.mu.Unlock()
}

// RemoveSession drops a session; the aggregator notices at the next
// snapshot.
func (s *Server) RemoveSession(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	for i, id := range s.order {
		if id == sessionID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

// AnnounceNow forces an immediate announce datagram
func (s *Server) AnnounceNow() {
	s.announcer.AnnounceNow()
}

// ---- Handlers ----

func (s *Server) handleList(c *gin.Context) {
	s.mu.Lock()
	out := make([]session, 0, len(s.order))
	for _, id := range s.order {
		sess := *s.sessions[id]
		sess.Messages = nil
		out = append(out, sess)
	}
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (s *Server) handleStatuses(c *gin.Context) {
	s.mu.Lock()
	statuses := make(map[string]string)
	for id, sess := range s.sessions {
		// Only sessions with a live process show up here.
		switch sess.Status {
		case "busy":
			statuses[id] = "running"
		case "pending", "waiting_for_permission":
			statuses[id] = "pending"
		}
	}
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"statuses": statuses})
}

func (s *Server) handleGet(c *gin.Context) {
	s.mu.Lock()
	sess, ok := s.sessions[c.Param("id")]
	var out session
	if ok {
		out = *sess
		out.Messages = append([]message(nil), sess.Messages...)
	}
	s.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleSend(c *gin.Context) {
	var body struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	sessionID := c.Param("id")
	s.mu.Lock()
	_, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	id := s.AddMessage(sessionID, "user", "user_input", body.Content)
	s.SetStatus(sessionID, "busy")
	c.JSON(http.StatusOK, gin.H{"message_id": id, "result": "accepted"})
}

func (s *Server) handleAbort(c *gin.Context) {
	sessionID := c.Param("id")
	s.mu.Lock()
	_, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	s.SetStatus(sessionID, "aborted")
	c.JSON(http.StatusOK, gin.H{"result": "accepted"})
}

func (s *Server) handlePermission(c *gin.Context) {
	var body struct {
		PermissionID string `json:"permission_id"`
		Decision     string `json:"decision"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	sessionID := c.Param("id")
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	switch body.Decision {
	case "allow_once", "allow_always":
		s.SetStatus(sess.ID, "busy")
	case "deny":
		s.SetStatus(sess.ID, "idle")
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown decision"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "ok"})
}

func (s *Server) handleEvents(c *gin.Context) {
	ch := make(chan string, 64)
	s.mu.Lock()
	s.streams[ch] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if _, ok := s.streams[ch]; ok {
			delete(s.streams, ch)
			close(ch)
		}
		s.mu.Unlock()
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Writer.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case frame, ok := <-ch:
			if !ok {
				return
			}
			if _, err := c.Writer.WriteString(frame); err != nil {
				return
			}
			c.Writer.Flush()
		case <-keepalive.C:
			if _, err := c.Writer.WriteString(": keepalive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

// emit renders one SSE frame and fans it out to every open stream
func (s *Server) emit(kind string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Str("kind", kind).Msg("Encode event failed")
		return
	}
	frame := fmt.Sprintf("event: %s\ndata: %s\n\n", kind, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.streams {
		select {
		case ch <- frame:
		default:
			// Slow stream; drop the frame, snapshots heal the gap.
		}
	}
}
