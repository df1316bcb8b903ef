/*
Package backend implements the client side of one backend server: the
REST operations and the long-lived event stream with its reconnect
supervisor.

# Client

Client wraps a normalized base URL with a request timeout (default 10s).
Operations:

	ListSessions       GET  /api/sessions
	SessionStatuses    GET  /api/sessions/status
	GetSession         GET  /api/sessions/{id}
	SendMessage        POST /api/sessions/{id}/message
	Abort              POST /api/sessions/{id}/abort
	ResolvePermission  POST /api/sessions/{id}/permission
	Subscribe          GET  /api/events (server-sent events, no read timeout)

Wire JSON is snake_case; timestamps and the long-running flag are also
accepted in camelCase. Every failure is a *Error with a Kind:

	404 -> session_not_found    403 -> permission_denied
	5xx -> unreachable          decode failure -> invalid_response
	deadline -> timeout         connect failure -> network

# Event Stream

Three event kinds are recognized and decoded into the closed update set
of pkg/types; unknown kinds are skipped:

	session.status      -> types.SessionUpdate
	message.updated     -> types.MessageArrived
	permission.updated  -> types.PermissionRequested

# Supervisor

Supervisor keeps exactly one subscription alive per server:

	Disconnected -> Connecting -> Connected
	                    ^             |  stream close / error
	                    |             v
	                  (delay) <- Reconnecting -> Failed (budget spent)

Reconnect delays follow min(base * 2^attempt, cap): 1s, 2s, 4s, 8s,
16s, then 30s capped. The attempt counter resets only on a fully
established connection. After the attempt budget (default 10) is spent
the supervisor parks in Failed until Reset, which a fresh server
announcement triggers. Stop cancels an in-flight backoff timer
immediately.

Events are dispatched synchronously in arrival order. The supervisor
never buffers; a slow registry backpressures the stream read.
*/
package backend
