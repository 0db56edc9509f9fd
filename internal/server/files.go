package server

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// audioExts are the containers the engine writes.
var audioExts = []string{".wav", ".mp3"}

type fileInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
	URL      string    `json:"url"`
}

// outputFile resolves name inside the output directory. Names with a path
// component, hidden files and foreign extensions are rejected.
func (s *Server) outputFile(name string) (string, bool) {
	if name == "" || filepath.Base(name) != name || strings.HasPrefix(name, ".") {
		return "", false
	}
	if !slices.Contains(audioExts, strings.ToLower(filepath.Ext(name))) {
		return "", false
	}
	return filepath.Join(s.eng.Config().Output.Dir, name), true
}

func (s *Server) handleListFiles(w http.ResponseWriter, _ *http.Request) {
	entries, err := os.ReadDir(s.eng.Config().Output.Dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		writeError(w, err)
		return
	}
	files := make([]fileInfo, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if !slices.Contains(audioExts, strings.ToLower(filepath.Ext(e.Name()))) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{
			Name:     e.Name(),
			Size:     info.Size(),
			Modified: info.ModTime(),
			URL:      fileURL(e.Name()),
		})
	}
	slices.SortFunc(files, func(a, b fileInfo) int { return b.Modified.Compare(a.Modified) })
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	path, ok := s.outputFile(r.PathValue("name"))
	if !ok {
		writeMessage(w, http.StatusBadRequest, "Invalid file name.")
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		writeMessage(w, http.StatusNotFound, "File not found.")
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(path)+`"`)
	http.ServeFile(w, r, path)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	path, ok := s.outputFile(name)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "Invalid file name.")
		return
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeMessage(w, http.StatusNotFound, "File not found.")
			return
		}
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "File deleted: "+name)
}
