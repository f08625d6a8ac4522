// SPDX-License-Identifier: MIT

package api

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/cmdarr/cmdarr/internal/artifact"
)

// handleImportList serves one discovery artifact as JSON.
func (s *Server) handleImportList(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	entries, err := s.deps.Artifacts.Read(name)
	if err != nil {
		if os.IsNotExist(err) {
			writeNotFound(w, "no import list named "+name)
			return
		}
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type importListMetrics struct {
	artifact.Info
	AgeHuman string `json:"age_human,omitempty"`
}

// handleImportListMetrics reports freshness for every import list.
func (s *Server) handleImportListMetrics(w http.ResponseWriter, r *http.Request) {
	infos, err := s.deps.Artifacts.InspectAll()
	if err != nil {
		writeInternal(w, err)
		return
	}
	out := make([]importListMetrics, 0, len(infos))
	for _, info := range infos {
		m := importListMetrics{Info: info}
		if info.Exists {
			m.AgeHuman = humanAge(info.AgeHours)
		}
		out = append(out, m)
	}
	writeJSON(w, http.StatusOK, out)
}

func humanAge(hours float64) string {
	switch {
	case hours < 1:
		return fmt.Sprintf("%d minutes", int(hours*60))
	case hours < 48:
		return fmt.Sprintf("%.1f hours", hours)
	default:
		return fmt.Sprintf("%.1f days", hours/24)
	}
}

// handleNewReleases runs the new-releases scan with optional overrides.
func (s *Server) handleNewReleases(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scanner == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "no streaming service configured",
		})
		return
	}

	q := r.URL.Query()
	limit := 0
	if v := q.Get("artist_limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "artist_limit must be a positive integer"})
			return
		}
		limit = n
	}
	var albumTypes []string
	if v := q.Get("album_types"); v != "" {
		albumTypes = strings.Split(v, ",")
	}

	report, err := s.deps.Scanner.ScanWith(r.Context(), limit, albumTypes, s.logger)
	if err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
