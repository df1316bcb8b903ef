package registry

import (
	"github.com/perchworks/perch/pkg/types"
)

// Removal reasons carried by ServerRemoved
const (
	RemovalShutdown = "shutdown"
	RemovalStale    = "stale"
)

// Notification is one change observed by a subscriber. The concrete
// types below form a closed set; they are delivered in the exact order
// their mutations committed.
type Notification interface {
	notification()
}

// ServerDiscovered announces a newly discovered server
type ServerDiscovered struct {
	Server types.Server
}

// ServerUpdated reports an observable change to a server record
type ServerUpdated struct {
	Server types.Server
}

// ServerRemoved reports a server leaving, with the removal reason
type ServerRemoved struct {
	ServerID string
	Reason   string
}

// SessionAdded reports a session entering the store
type SessionAdded struct {
	Session types.Session
}

// SessionUpdated reports an observable change to a session
type SessionUpdated struct {
	Session types.Session
}

// SessionRemoved reports a session leaving the store
type SessionRemoved struct {
	SessionID string
	ServerID  string
}

// BacklogDropped replaces notifications lost on a slow subscriber
// channel. Consumers must treat it as a cue to re-query the registry
// and rebuild their view.
type BacklogDropped struct {
	Count int
}

// AggregatorError surfaces a non-recoverable engine failure, e.g. an
// event-stream supervisor that exhausted its attempt budget.
type AggregatorError struct {
	ServerID string
	Message  string
}

func (ServerDiscovered) notification() {}
func (ServerUpdated) notification()    {}
func (ServerRemoved) notification()    {}
func (SessionAdded) notification()     {}
func (SessionUpdated) notification()   {}
func (SessionRemoved) notification()   {}
func (BacklogDropped) notification()   {}
func (AggregatorError) notification()  {}
