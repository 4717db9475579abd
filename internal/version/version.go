// Package version records the service version advertised to peers.
package version

// String is reported by the /ping endpoint as "pong <version>". Kernel and
// browser peers parse that reply, so the numbering tracks the wire protocol
// rather than the repository.
const String = "0.0.3"
