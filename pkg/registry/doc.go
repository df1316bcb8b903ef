/*
Package registry is the canonical in-memory store of discovered servers
and their sessions, and the fanout point for change notifications.

# Single-Writer Discipline

Every mutation passes through one mutex. Nothing else in the program
holds server or session records; server sessions keep only the server
id and mutate through Absorb* calls. Reads return deep-enough copies
that a consumer can never observe a torn record. The lock is never held
across I/O.

# Mutations

	AbsorbAnnounce       upsert server; ServerDiscovered / ServerUpdated
	AbsorbShutdown       remove server; cascades SessionRemoved per
	                     session, then ServerRemoved with the reason
	AbsorbSnapshot       diff one server's session set: insert new,
	                     merge existing (SessionUpdated only on
	                     observable change), remove omitted
	AbsorbSessionDetail  full replacement of one session with messages
	AbsorbUpdate         apply one stream event; unknown sessions are
	                     dropped and logged, the next snapshot heals
	SetServerHealth      flip the health flag
	ReportError          publish an AggregatorError

# Invariants Enforced Here

  - A session's server is always present; orphan writes are dropped
  - lastActivity never precedes createdAt (clamped)
  - Parent links never form a cycle; a violating link is dropped with a
    log entry while the rest of the mutation applies
  - Messages stay timestamp-ascending; a re-delivered message id
    replaces the stored record in place
  - Terminal statuses (completed, error, aborted) are permanent

# Notifications

The Broker delivers notifications to subscriber channels in the exact
order mutations committed. Delivery never blocks the mutator: a full
subscriber buffer sheds its oldest entries and a BacklogDropped{Count}
marker is inserted in their place. Consumers must treat the marker as a
cue to re-query (Servers/Sessions) and rebuild their view.
*/
package registry
