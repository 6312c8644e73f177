// Package server accepts chat clients and connects them to the room broker.
//
// Framed TCP is the primary transport; an optional HTTP gateway carries the
// same records over WebSocket and exposes health and report endpoints. Each
// connection is served by a Session with one reader and one writer goroutine,
// and the Registry tracks sessions so shutdown can flush and close them all.
package server
