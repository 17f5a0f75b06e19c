// Package sshtunnel exposes services behind a gateway host through SSH relay
// sessions.
//
// # Topology
//
// A session holds one SSH control connection to the gateway. The manager asks
// the gateway to listen on the session's bind address and port
// (tcpip-forward). Every TCP connection the gateway accepts there arrives as
// a forwarded-tcpip channel; for each one the session opens a direct-tcpip
// channel over the same control connection to the final destination and
// splices the two streams full duplex. Both hops are multiplexed on the one
// control connection, so closing it ends every relay of the session.
//
// # Lifecycle
//
// Each session is driven by its own goroutine consuming an event channel:
//
//	pending --ready--> active --stop-----> closed
//	                      \---dropped--> error
//
// The registry keeps a session while its control connection is live. A failed
// [Manager.Create] leaves no entry. A dropped connection removes the entry and
// marks the persisted descriptor as error; sessions are never reconnected
// automatically.
//
// # Persistence
//
// Descriptors are saved through a [Persister] with credentials sealed by a
// [Sealer], and [Manager.Restore] recreates the sessions whose stored status is
// active after a restart.
package sshtunnel
