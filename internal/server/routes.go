// Package server wires gateway HTTP handlers into a ServeMux via routing
// helpers.
package server

import "net/http"

// SetupRoutes returns the gateway mux: the WebSocket endpoint, a health check
// and a JSON roster report.
func SetupRoutes(s *Server) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", HealthHandler)
	mux.HandleFunc("/report", s.ReportHandler)
	mux.HandleFunc("/ws", s.WebSocketHandler)
	return mux
}
