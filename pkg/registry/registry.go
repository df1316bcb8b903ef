package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/perchworks/perch/pkg/discovery"
	"github.com/perchworks/perch/pkg/log"
	"github.com/perchworks/perch/pkg/metrics"
	"github.com/perchworks/perch/pkg/types"
	"github.com/rs/zerolog"
)

// Registry is the canonical in-memory store of servers and sessions.
// It is the single mutation authority: every write happens under one
// lock, change notifications are published in commit order, and the
// lock is never held across I/O.
type Registry struct {
	mu       sync.Mutex
	servers  map[string]*types.Server
	sessions map[string]*types.Session

	broker *Broker
	logger zerolog.Logger

	longRunningThreshold time.Duration
}

// New creates an empty registry
func New(longRunningThreshold time.Duration) *Registry {
	return &Registry{
		servers:              make(map[string]*types.Server),
		sessions:             make(map[string]*types.Session),
		broker:               NewBroker(),
		logger:               log.WithComponent("registry"),
		longRunningThreshold: longRunningThreshold,
	}
}

// Start begins notification distribution
func (r *Registry) Start() {
	r.broker.Start()
}

// Stop halts distribution, closes subscriber channels and clears state
func (r *Registry) Stop() {
	r.broker.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers = make(map[string]*types.Server)
	r.sessions = make(map[string]*types.Session)
}

// Subscribe registers a notification consumer
func (r *Registry) Subscribe() *Subscription {
	return r.broker.Subscribe()
}

// Unsubscribe drops a consumer
func (r *Registry) Unsubscribe(id string) {
	r.broker.Unsubscribe(id)
}

// ---- Mutations ----

// AbsorbAnnounce upserts a server from an announce packet
func (r *Registry) AbsorbAnnounce(a discovery.Announce) {
	r.mu.Lock()
	defer r.mu.Unlock()

	announcedAt := a.Timestamp
	if announcedAt.IsZero() {
		announcedAt = time.Now()
	}

	existing, ok := r.servers[a.ServerID]
	if !ok {
		server := &types.Server{
			ID:           a.ServerID,
			URL:          a.ServerURL,
			Name:         a.ServerName,
			Project:      a.Project,
			Branch:       a.Branch,
			Version:      a.Version,
			LastAnnounce: announcedAt,
			Health:       types.ServerHealthy,
		}
		r.servers[a.ServerID] = server
		r.broker.Publish(ServerDiscovered{Server: copyServer(server)})
		return
	}

	changed := existing.URL != a.ServerURL ||
		existing.Name != a.ServerName ||
		existing.Project != a.Project ||
		existing.Branch != a.Branch ||
		existing.Version != a.Version

	existing.URL = a.ServerURL
	existing.Name = a.ServerName
	existing.Project = a.Project
	existing.Branch = a.Branch
	existing.Version = a.Version
	if announcedAt.After(existing.LastAnnounce) {
		existing.LastAnnounce = announcedAt
	}

	if changed {
		r.broker.Publish(ServerUpdated{Server: copyServer(existing)})
	}
}

// AbsorbShutdown removes a server and cascades to its sessions.
// Session removals are published before the server removal.
func (r *Registry) AbsorbShutdown(serverID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.servers[serverID]; !ok {
		return
	}

	for _, id := range r.sessionIDsOf(serverID) {
		r.removeSession(id)
	}
	delete(r.servers, serverID)

	metrics.ServersRemovedTotal.WithLabelValues(reason).Inc()
	r.broker.Publish(ServerRemoved{ServerID: serverID, Reason: reason})
}

// AbsorbSnapshot reconciles the stored sessions of one server against
// a freshly fetched snapshot. Sessions missing from the snapshot are
// removed; new ones are added; existing ones are merged field by field
// with SessionUpdated published only on observable change.
func (r *Registry) AbsorbSnapshot(serverID string, summaries []types.SessionSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()

	server, ok := r.servers[serverID]
	if !ok {
		r.logger.Warn().Str("server_id", serverID).Msg("Snapshot for unknown server dropped")
		return
	}

	seen := make(map[string]bool, len(summaries))
	for _, summary := range summaries {
		seen[summary.ID] = true
		if existing, ok := r.sessions[summary.ID]; ok {
			if r.mergeSummary(existing, serverID, summary) {
				r.broker.Publish(SessionUpdated{Session: copySession(existing)})
			}
			continue
		}
		r.insertSession(sessionFromSummary(serverID, summary))
	}

	for _, id := range r.sessionIDsOf(serverID) {
		if !seen[id] {
			r.removeSession(id)
		}
	}

	server.SessionIDs = sortedKeys(seen)
}

// AbsorbSessionDetail replaces one session wholesale, messages included
func (r *Registry) AbsorbSessionDetail(detail *types.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.servers[detail.ServerID]; !ok {
		r.logger.Warn().
			Str("server_id", detail.ServerID).
			Str("session_id", detail.ID).
			Msg("Detail for unknown server dropped")
		return
	}

	fresh := copySessionPtr(detail)
	sanitizeSession(fresh)
	sortMessages(fresh.Messages)

	existing, ok := r.sessions[detail.ID]
	if !ok {
		r.insertSession(fresh)
		return
	}

	if existing.Status.IsTerminal() && fresh.Status != existing.Status {
		fresh.Status = existing.Status
	}
	if r.createsCycle(fresh.ID, fresh.ParentID) {
		r.logger.Warn().
			Str("session_id", fresh.ID).
			Str("parent_id", fresh.ParentID).
			Msg("Parent link would create a cycle, keeping previous")
		fresh.ParentID = existing.ParentID
	}

	r.unlinkChild(existing)
	fresh.ChildIDs = existing.ChildIDs
	r.sessions[fresh.ID] = fresh
	r.linkChild(fresh)

	r.broker.Publish(SessionUpdated{Session: copySession(fresh)})
}

// AbsorbUpdate applies one decoded stream event. Updates for sessions
// the store does not know yet are dropped with a log entry; the next
// snapshot brings the session in.
func (r *Registry) AbsorbUpdate(update types.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[update.UpdateSessionID()]
	if !ok {
		r.logger.Debug().
			Str("session_id", update.UpdateSessionID()).
			Msg("Update for unknown session dropped")
		metrics.EventsDroppedTotal.Inc()
		return
	}

	var changed bool
	switch u := update.(type) {
	case types.SessionUpdate:
		metrics.EventsAppliedTotal.WithLabelValues("session_update").Inc()
		changed = r.applyStatus(session, u.NewStatus)
		changed = r.advanceActivity(session, u.ObservedAt) || changed
	case types.MessageArrived:
		metrics.EventsAppliedTotal.WithLabelValues("message_arrived").Inc()
		r.applyMessage(session, u)
		r.advanceActivity(session, u.Timestamp)
		changed = true
	case types.PermissionRequested:
		metrics.EventsAppliedTotal.WithLabelValues("permission_requested").Inc()
		changed = r.applyStatus(session, types.StatusWaitingForPermission)
	default:
		r.logger.Error().Str("session_id", session.ID).Msg("Unknown update type dropped")
		return
	}

	if changed {
		r.broker.Publish(SessionUpdated{Session: copySession(session)})
	}
}

// SetServerHealth flips a server's health flag
func (r *Registry) SetServerHealth(serverID string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	server, ok := r.servers[serverID]
	if !ok {
		return
	}

	health := types.ServerUnhealthy
	if healthy {
		health = types.ServerHealthy
	}
	if server.Health == health {
		return
	}
	server.Health = health
	r.broker.Publish(ServerUpdated{Server: copyServer(server)})
}

// ReportError publishes a non-recoverable failure to subscribers
func (r *Registry) ReportError(serverID, message string) {
	r.broker.Publish(AggregatorError{ServerID: serverID, Message: message})
}

// ---- Queries ----

// Servers returns all known servers sorted by id
func (r *Registry) Servers() []types.Server {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.Server, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, copyServer(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sessions returns all known sessions sorted by creation time
func (r *Registry) Sessions() []types.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collect(func(*types.Session) bool { return true })
}

// Session returns one session by id
func (r *Registry) Session(id string) (types.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return types.Session{}, false
	}
	return copySession(s), true
}

// SessionsByServer returns the sessions hosted by one server
func (r *Registry) SessionsByServer(serverID string) []types.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collect(func(s *types.Session) bool { return s.ServerID == serverID })
}

// ActiveSessions returns all sessions in a non-terminal status
func (r *Registry) ActiveSessions() []types.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collect(func(s *types.Session) bool { return !s.Status.IsTerminal() })
}

// LongRunningSessions returns sessions flagged long-running or older
// than the configured threshold
func (r *Registry) LongRunningSessions() []types.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	return r.collect(func(s *types.Session) bool {
		return s.LongRunning || now.Sub(s.CreatedAt) > r.longRunningThreshold
	})
}

// ---- Metrics source ----

// ServerHealthCounts returns server counts by health
func (r *Registry) ServerHealthCounts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[string]int)
	for _, s := range r.servers {
		counts[string(s.Health)]++
	}
	return counts
}

// SessionStatusCounts returns session counts by status
func (r *Registry) SessionStatusCounts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[string]int)
	for _, s := range r.sessions {
		counts[string(s.Status)]++
	}
	return counts
}

// SubscriberCount returns the number of active subscribers
func (r *Registry) SubscriberCount() int {
	return r.broker.SubscriberCount()
}

// ---- Internals (lock held) ----

func (r *Registry) collect(keep func(*types.Session) bool) []types.Session {
	var out []types.Session
	for _, s := range r.sessions {
		if keep(s) {
			out = append(out, copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) sessionIDsOf(serverID string) []string {
	var ids []string
	for id, s := range r.sessions {
		if s.ServerID == serverID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) insertSession(session *types.Session) {
	sanitizeSession(session)
	if r.createsCycle(session.ID, session.ParentID) {
		r.logger.Warn().
			Str("session_id", session.ID).
			Str("parent_id", session.ParentID).
			Msg("Parent link would create a cycle, dropping link")
		session.ParentID = ""
	}

	r.sessions[session.ID] = session
	r.linkChild(session)
	if server, ok := r.servers[session.ServerID]; ok {
		server.SessionIDs = appendUnique(server.SessionIDs, session.ID)
	}
	r.broker.Publish(SessionAdded{Session: copySession(session)})
}

func (r *Registry) removeSession(id string) {
	session, ok := r.sessions[id]
	if !ok {
		return
	}
	r.unlinkChild(session)
	delete(r.sessions, id)
	if server, ok := r.servers[session.ServerID]; ok {
		server.SessionIDs = removeString(server.SessionIDs, id)
	}
	r.broker.Publish(SessionRemoved{SessionID: id, ServerID: session.ServerID})
}

// mergeSummary folds a snapshot entry into a stored session and
// reports whether anything observable changed. Messages are untouched;
// snapshots do not carry them.
func (r *Registry) mergeSummary(session *types.Session, serverID string, summary types.SessionSummary) bool {
	changed := false

	// Empty optional fields mean "not reported", not "cleared"; a
	// summary never erases what a detail fetch filled in.
	set := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed = true
		}
	}
	set(&session.Name, summary.Name)
	set(&session.Project, summary.Project)
	set(&session.Branch, summary.Branch)

	if session.ServerID != serverID {
		session.ServerID = serverID
		changed = true
	}
	if r.applyStatus(session, summary.Status) {
		changed = true
	}
	if !summary.CreatedAt.IsZero() && !session.CreatedAt.Equal(summary.CreatedAt) {
		session.CreatedAt = summary.CreatedAt
		changed = true
	}
	if r.advanceActivity(session, summary.LastActivity) {
		changed = true
	}
	if session.LongRunning != summary.LongRunning {
		session.LongRunning = summary.LongRunning
		changed = true
	}
	if summary.ParentID != "" && session.ParentID != summary.ParentID {
		if r.createsCycle(session.ID, summary.ParentID) {
			r.logger.Warn().
				Str("session_id", session.ID).
				Str("parent_id", summary.ParentID).
				Msg("Parent link would create a cycle, keeping previous")
		} else {
			r.unlinkChild(session)
			session.ParentID = summary.ParentID
			r.linkChild(session)
			changed = true
		}
	}
	if summary.CostUSD != 0 && session.CostUSD != summary.CostUSD {
		session.CostUSD = summary.CostUSD
		changed = true
	}
	if summary.Tokens != 0 && session.Tokens != summary.Tokens {
		session.Tokens = summary.Tokens
		changed = true
	}

	sanitizeSession(session)
	return changed
}

// applyStatus sets a session status, honoring terminal pinning
func (r *Registry) applyStatus(session *types.Session, status types.SessionStatus) bool {
	if session.Status == status {
		return false
	}
	if session.Status.IsTerminal() {
		r.logger.Debug().
			Str("session_id", session.ID).
			Str("from", string(session.Status)).
			Str("to", string(status)).
			Msg("Ignoring status change out of terminal state")
		return false
	}
	session.Status = status
	return true
}

// advanceActivity moves last-activity forward, clamped to createdAt
func (r *Registry) advanceActivity(session *types.Session, t time.Time) bool {
	if t.IsZero() || !t.After(session.LastActivity) {
		return false
	}
	session.LastActivity = t
	if session.LastActivity.Before(session.CreatedAt) {
		session.LastActivity = session.CreatedAt
	}
	return true
}

// applyMessage inserts a message in timestamp order, or replaces the
// stored record in place when the id is already present.
func (r *Registry) applyMessage(session *types.Session, u types.MessageArrived) {
	msg := &types.Message{
		ID:        u.MessageID,
		SessionID: session.ID,
		Timestamp: u.Timestamp,
		Role:      u.Role,
		Type:      u.Type,
		Content:   u.Content,
	}

	for i, existing := range session.Messages {
		if existing.ID == msg.ID {
			if msg.Content == "" {
				msg.Content = existing.Content
			}
			if msg.Parts == nil {
				msg.Parts = existing.Parts
			}
			session.Messages[i] = msg
			return
		}
	}

	idx := sort.Search(len(session.Messages), func(i int) bool {
		return session.Messages[i].Timestamp.After(msg.Timestamp)
	})
	session.Messages = append(session.Messages, nil)
	copy(session.Messages[idx+1:], session.Messages[idx:])
	session.Messages[idx] = msg
}

// createsCycle reports whether linking child -> parent would make the
// parent chain loop back onto the child.
func (r *Registry) createsCycle(childID, parentID string) bool {
	if parentID == "" {
		return false
	}
	if parentID == childID {
		return true
	}
	cur := parentID
	for steps := 0; steps <= len(r.sessions); steps++ {
		parent, ok := r.sessions[cur]
		if !ok || parent.ParentID == "" {
			return false
		}
		if parent.ParentID == childID {
			return true
		}
		cur = parent.ParentID
	}
	return true
}

func (r *Registry) linkChild(session *types.Session) {
	if session.ParentID == "" {
		return
	}
	if parent, ok := r.sessions[session.ParentID]; ok {
		parent.ChildIDs = appendUnique(parent.ChildIDs, session.ID)
	}
}

func (r *Registry) unlinkChild(session *types.Session) {
	if session.ParentID == "" {
		return
	}
	if parent, ok := r.sessions[session.ParentID]; ok {
		parent.ChildIDs = removeString(parent.ChildIDs, session.ID)
	}
}

// ---- Helpers ----

func sessionFromSummary(serverID string, s types.SessionSummary) *types.Session {
	return &types.Session{
		ID:           s.ID,
		ServerID:     serverID,
		Name:         s.Name,
		Status:       s.Status,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
		LongRunning:  s.LongRunning,
		ParentID:     s.ParentID,
		Project:      s.Project,
		Branch:       s.Branch,
		CostUSD:      s.CostUSD,
		Tokens:       s.Tokens,
	}
}

// sanitizeSession enforces lastActivity >= createdAt
func sanitizeSession(s *types.Session) {
	if s.LastActivity.Before(s.CreatedAt) {
		s.LastActivity = s.CreatedAt
	}
}

func sortMessages(msgs []*types.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

func copyServer(s *types.Server) types.Server {
	out := *s
	out.SessionIDs = append([]string(nil), s.SessionIDs...)
	return out
}

func copySession(s *types.Session) types.Session {
	out := *s
	out.ChildIDs = append([]string(nil), s.ChildIDs...)
	out.Messages = append([]*types.Message(nil), s.Messages...)
	return out
}

func copySessionPtr(s *types.Session) *types.Session {
	out := copySession(s)
	return &out
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}

func removeString(list []string, v string) []string {
	for i, s := range list {
		if s == v {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
