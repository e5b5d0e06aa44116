// Package ws provides the websocket transport for proxy sessions.
//
// The package implements:
//   - Client: a buffered, non-blocking sender wrapping one gorilla connection
//   - Handler: upgrades requests, checks the origin allow-list and runs the read/write pumps
//   - Service: wires the handler to the session registry and the stats reporter
//
// Every accepted connection gets its own session.Session. A connection ends the same way no matter
// which side closes it: the read pump exits, the session tears down its uplink, and the session is
// removed from the registry.
package ws
