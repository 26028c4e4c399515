// Package ssetransport implements the legacy Server-Sent Events transport of
// the server. A client opens a long-lived GET stream, which is authenticated,
// rate limited and registered as a session; the first event on the stream
// is always
//
//	event: session
//	data: {"session_id":"<uuid>","deprecated":true,"deprecation_message":"..."}
//
// The client then POSTs JSON-RPC messages as {"session_id":..., "message":...}.
// Each POST is admitted the same way as the GET, checked against the
// session, and answered 202 {"accepted":true,"session_id":...}; anything the
// dispatcher produces for the message arrives later on the GET stream as a
// "message" event.
//
// The transport is deprecated in favor of streaming HTTP. Every response of
// the endpoint carries Deprecation, Sunset and (when configured) a Link to
// the successor.
//
// Construction
//
//	h, err := ssetransport.New(validator, limiter, manager, host,
//	    ssetransport.WithSuccessorURL("https://api.example/mcp"),
//	    ssetransport.WithDispatcher(d),
//	)
//	mux.Handle(h.Path(), h)
//
// # Session lifetime
//
// Closing the GET connection orphans the session and drops its message log;
// POSTs against an orphaned session are answered 404 like unknown ones.
// DELETE ?session_id=... and the manager's idle sweep terminate sessions,
// which ends their streams.
//
// # Scaling
//
// The session table lives in the process that accepted the GET. Instances
// behind a load balancer need sticky routing so a client's POSTs reach the
// instance holding its stream. Rate-limit counters are shared through the
// limiter's store.
package ssetransport
