/*
Package rpc provides a small request/response transport over a Unix domain socket. Either side of a warmfork session can act as a server (bind a socket path and dispatch named procedures) or as a caller (connect and invoke them).

Each call is an HTTP POST to /rpc/<procedure> whose JSON body carries the positional arguments:

	{"args": ["/tmp/cb.sock", "W3sic2VjdGlvbiI6ImN3ZCJ9XQ=="]}

The reply is always HTTP 200 and carries either a result or a fault:

	{"result": 4242}
	{"result": null, "fault": {"code": "NotFound", "message": "no worker with pid 7"}}

Values are anything encoding/json can carry: null, strings, integers, nested maps and arrays. []byte values travel as base64 strings, which is how serialized bundles are passed.

A handler that returns an error or panics produces a fault for that call only. The server keeps running and the connection stays usable. Callers serialize their calls, so there is at most one call in flight per Client.

The socket path belongs to the Server that bound it and is unlinked by Close. A leftover socket file that nobody answers on is treated as stale and replaced.
*/
package rpc
