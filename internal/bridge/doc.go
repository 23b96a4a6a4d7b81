// Package bridge relays an interactive SSH shell to a browser terminal.
//
// One inbound connection produces one [Session]. The [Coordinator] owns the
// session from accept to close and drives it through a fixed state machine:
//
//	INIT → CONNECTING → AUTHENTICATING → SHELL_REQUESTED → STREAMING → CLOSING → CLOSED
//	          └──────────────┴──────────────────┴──→ ERROR → CLOSED
//
// # Components
//
//   - [ParseParams]: validates host, username and port from the request URL.
//   - [Establisher]: dials the target, authenticates with the process-wide
//     [credential.Credential] and requests a PTY-backed shell channel.
//   - [Pump]: copies bytes verbatim in both directions. Each direction runs in
//     its own goroutine so a stall on one side never blocks the other.
//   - [Coordinator]: owns teardown ordering and error reporting. Establishment
//     failures are reported to the client as a single diagnostic text message
//     before the transport is closed; ordinary termination (either side
//     closing) closes the remaining handles without a diagnostic.
//   - [Tracker]: read-only status snapshots of live and recently closed
//     sessions. It receives copies and never references a Session.
//
// Sessions share nothing but the read-only credential. A failure in one
// session never reaches another session or the listener.
//
// # Log Prefixes
//
// Session lifecycle lines are logged with the [bridge] prefix. Payload bytes
// are never logged.
package bridge
