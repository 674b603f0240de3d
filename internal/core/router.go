package core

import (
	"net/http"
)

// Handler returns an http.Handler implementing the file API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /health", s.handleHealth)

	// File operations; SlashFix maps /file/ onto /file.
	mux.HandleFunc("POST /file", s.handleFileCreate)
	mux.HandleFunc("GET /file", s.handleFileGet)
	mux.HandleFunc("HEAD /file", s.handleFileHead)
	mux.HandleFunc("PUT /file", s.handleFileUpdate)
	mux.HandleFunc("DELETE /file", s.handleFileDelete)
	mux.HandleFunc("GET /file/list", s.handleFileList)

	// Administrative operations
	mux.Handle("POST /admin/rebuild/{disk}", s.RequireAuthentication(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.handleAdminRebuild(w, r, r.PathValue("disk"))
	})))
	mux.Handle("GET /admin/check", s.RequireAuthentication(http.HandlerFunc(s.handleAdminCheck)))

	// Add middleware
	handler := SlashFix(mux)
	handler = LogRequest(handler)
	handler = Recoverer(handler)
	handler = RequestID(handler)
	return handler
}
