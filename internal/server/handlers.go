// Package server exposes HTTP handlers for the gateway, including WebSocket
// upgrades, health checks, and the JSON roster report.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// WebSocketHandler upgrades GET requests to a WebSocket and serves the
// connection as a chat session carrying one record per binary message.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("websocket upgrade failed: %v", err)
		return
	}
	s.startSession(newWSConn(conn, r.RemoteAddr, s.cfg.MaxRecordSize))
}

// HealthHandler reports that the server is up.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "roomchat server is running")
}

// ReportHandler returns the current roster as JSON.
func (s *Server) ReportHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed.", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.broker.Report(r.Context())); err != nil {
		s.log.Warnf("error writing report: %v", err)
	}
}
