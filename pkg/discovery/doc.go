/*
Package discovery implements Perch's UDP server discovery protocol.

Backend servers advertise themselves with JSON datagrams on a shared UDP
port; the aggregator listens and reacts. Two datagram variants exist:

	Announce: {"type":"announce","serverId":"A","serverUrl":"http://localhost:9000",
	           "serverName":"S1","project":"...","branch":"...","version":"...",
	           "timestamp":1700000000000}
	Shutdown: {"type":"shutdown","serverId":"A","timestamp":1700000000000}

Timestamps are millisecond epochs. Unknown JSON fields and unknown type
values are ignored. Announce URLs are validated (http/https only) and
normalized: explicit port, no trailing slash, no duplicate slashes in
the path.

# Components

Listener:
  - Binds the UDP port and decodes every datagram
  - Forwards valid packets to a handler in arrival order
  - Logs and drops malformed input; keeps no per-sender state
  - Duplicate announcements are harmless; the registry dedupes by
    server id

Announcer:
  - The sending side of the protocol, used by the mock backend
  - Re-announces on an interval and emits a shutdown datagram on Stop

# Failure Modes

Start returns ErrBindFailed when the socket cannot be bound; this is
fatal during startup only. Read errors, short datagrams, and bad JSON
never crash the loop.
*/
package discovery
