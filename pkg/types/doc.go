/*
Package types defines the core data structures shared across Perch.

This package contains the domain model of the aggregator: discovered
servers, the sessions they host, the messages inside those sessions, and
the decoded backend updates the registry absorbs. It has no dependencies
and performs no I/O.

# Core Types

Server:
  - A backend discovered via UDP announcement
  - Keyed by its stable server ID; the latest announcement's URL wins
  - Health flips with snapshot call outcomes, never triggers removal

Session:
  - One assistant conversation on a server
  - Status drawn from the closed set: idle, busy,
    waiting_for_permission, completed, error, aborted
  - completed/error/aborted are terminal; a session never leaves them
  - Messages are kept in timestamp-ascending order

Message:
  - One turn: role (user/assistant/system), semantic type, plain text
    content, and ordered structured parts (text, reasoning, tool, ...)

Update:
  - Closed sum of decoded backend events: SessionUpdate,
    MessageArrived, PermissionRequested

# Status Mapping

MapStatusTag translates backend runtime status tags into the internal
set. Tags from the runtime status endpoint describe live processes, so
idle/running/busy all map to busy; pending maps to
waiting_for_permission; terminal tags map to themselves; anything
unknown maps to idle.

# See Also

  - pkg/registry for ownership and mutation of these records
  - pkg/backend for the wire formats they are decoded from
*/
package types
