/*
Package mock implements an in-process backend server speaking the same
discovery and HTTP protocols real backends do. It exists for local
testing: integration tests drive the aggregation engine against it, and
the mock command runs it standalone so presenters can be developed
without a real backend.

# Behavior

The server announces itself over UDP on an interval, serves the REST
endpoints the aggregator's client consumes, and pushes session.status /
message.updated / permission.updated frames over an SSE stream.
message.updated frames intentionally omit content, matching real
backends that defer bodies to the detail fetch.

Commands behave plausibly: send_message appends the message and flips
the session busy, abort flips it aborted, permission responses move a
pending session to busy or idle.

# Scripting

Initial state comes from a Manifest (YAML for the CLI, literals in
tests). At runtime, tests drive state changes directly:

	srv := mock.NewServer(manifest)
	_ = srv.Start("127.0.0.1:0", discoveryPort, time.Second)
	srv.SetStatus("s1", "busy")
	srv.AddMessage("s1", "assistant", "assistant_response", "done")
	srv.RequestPermission("s1", "p1", "bash", "run ls")
	srv.Stop()

Example manifest:

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
*/
package mock
