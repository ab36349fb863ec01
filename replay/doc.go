// Package replay carries the conversation between a replayer and the host
// that owns the capture.
//
// The replayer side asks for its payload, streams resource requests while it
// executes, and reports back with post data, notifications, crash dumps and a
// final replay-finished message. The host side answers payload and resource
// requests. Every message is a single FlatBuffers envelope framed by a
// little-endian length prefix on a [Stream].
//
// [Provider] adapts a [Conn] to provider.Provider so a resource cache can
// fetch its misses over the connection.
package replay
