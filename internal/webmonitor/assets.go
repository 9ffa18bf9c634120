package webmonitor

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// captureHandler serves saved snapshots by base name from one directory.
type captureHandler struct {
	dir string
}

func newCaptureHandler(dir string) *captureHandler {
	return &captureHandler{dir: dir}
}

func (h *captureHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Path
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		http.NotFound(w, r)
		return
	}

	path := filepath.Join(h.dir, name)
	if !fileExists(path) {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
