/*
Package monitor composes the aggregation engine: the Coordinator
lifecycle root and one server session per discovered backend.

# Control Flow

	UDP announce -> Coordinator -> server session created
	             -> initial snapshot (list + status map) -> registry
	             -> event stream opens -> incremental updates -> registry
	             -> subscribers receive ordered change notifications

Periodic work on top:

  - Each server session re-fetches its snapshot every refresh interval
    (default 5s); the registry diffs it against stored state, catching
    missed events and correcting drift.
  - The Coordinator sweeps for stale servers at half the stale timeout;
    a server whose last announcement is strictly older than the timeout
    is removed exactly as if it had sent a shutdown datagram.

# Server Sessions

A server session owns one backend.Client and one backend.Supervisor.
Snapshot failures flip the server unhealthy (never remove it); the next
successful snapshot flips it back. A re-announcement resets a Failed
stream supervisor, and an announcement with a new URL rewires the
client in place. Teardown order is fixed: event stream first, then the
refresher, then the registry removal — a stopped session can never
write to records that are already gone.

# Commands

SendMessage, AbortSession, ResolvePermission and FocusSession resolve
the owning server through the registry and pass through to its client.
Command failures are typed (backend.Error) and mutate nothing. After a
successful command the session's full detail is re-fetched immediately
so the observable state reflects the action without waiting for the
next event or tick.

# Shutdown

Stop cancels in topological order: discovery listener, sweeper, then
every server session concurrently, then the registry (which closes all
subscriber channels).
*/
package monitor
