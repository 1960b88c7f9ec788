package web

import (
	"embed"
	"fmt"
	"io/fs"
	"net/http"
)

//go:embed static/*
var embeddedStaticFiles embed.FS

func (s *Server) staticFileServer() http.Handler {
	sub, err := fs.Sub(embeddedStaticFiles, "static")
	if err != nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "static assets unavailable", http.StatusInternalServerError)
		})
	}
	return http.FileServer(http.FS(sub))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if err := serveEmbeddedFile(w, "static/index.html", "text/html; charset=utf-8", nil); err != nil {
		http.Error(w, "index unavailable", http.StatusInternalServerError)
	}
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	s.serveAsset(w, r, "static/manifest.webmanifest", "application/manifest+json; charset=utf-8", map[string]string{
		"Cache-Control": "no-cache",
	})
}

func (s *Server) handleServiceWorker(w http.ResponseWriter, r *http.Request) {
	s.serveAsset(w, r, "static/sw.js", "application/javascript; charset=utf-8", map[string]string{
		"Cache-Control":          "no-cache",
		"Service-Worker-Allowed": "/",
	})
}

func (s *Server) serveAsset(w http.ResponseWriter, r *http.Request, path, contentType string, headers map[string]string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := serveEmbeddedFile(w, path, contentType, headers); err != nil {
		http.Error(w, "asset unavailable", http.StatusInternalServerError)
	}
}

func serveEmbeddedFile(w http.ResponseWriter, path, contentType string, headers map[string]string) error {
	body, err := embeddedStaticFiles.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read embedded file %q: %w", path, err)
	}
	for key, value := range headers {
		if value != "" {
			w.Header().Set(key, value)
		}
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
	return nil
}
