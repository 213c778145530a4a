package http

import (
	"net/http"
)

const corsMaxAge = "86400"

func (s *Server) applyCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", s.allowedOrigin)
	if s.allowedOrigin != "*" {
		w.Header().Add("Vary", "Origin")
	}
	if s.allowCredentials {
		// Wildcard origin plus credentials is a known-risky combination and
		// only takes effect behind the explicit WithCredentialedCORS option.
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	w.Header().Set("Access-Control-Expose-Headers", s.sessionHeader)
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	s.applyCORSHeaders(w)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+s.sessionHeader+", "+lastEventIDHeader)
	w.Header().Set("Access-Control-Max-Age", corsMaxAge)
	w.WriteHeader(http.StatusNoContent)
}
