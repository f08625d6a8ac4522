// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cmdarr/cmdarr/internal/config"
	"github.com/cmdarr/cmdarr/internal/services"
)

// handleConfigList returns every setting with sensitive values redacted.
func (s *Server) handleConfigList(w http.ResponseWriter, r *http.Request) {
	views, err := s.deps.Config.All(true)
	if err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// handleConfigGet returns one setting, redacted.
func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	view, err := s.deps.Config.View(key, true)
	if err != nil {
		var unknown *config.UnknownKeyError
		if errors.As(err, &unknown) {
			writeNotFound(w, err.Error())
			return
		}
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type configUpdate struct {
	Value    string           `json:"value"`
	DataType *config.DataType `json:"data_type,omitempty"`
	Options  []string         `json:"options,omitempty"`
}

// handleConfigPut updates a setting's value and optionally its declared
// type. Unknown keys are 404, coercion failures 400.
func (s *Server) handleConfigPut(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var body configUpdate
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, err)
		return
	}

	if body.DataType != nil {
		if err := s.deps.Config.UpdateType(key, *body.DataType, body.Options); err != nil {
			s.writeConfigError(w, err)
			return
		}
	}
	if err := s.deps.Config.Set(key, body.Value); err != nil {
		s.writeConfigError(w, err)
		return
	}

	view, err := s.deps.Config.View(key, true)
	if err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) writeConfigError(w http.ResponseWriter, err error) {
	var unknown *config.UnknownKeyError
	var typeErr *config.TypeError
	switch {
	case errors.As(err, &unknown):
		writeNotFound(w, err.Error())
	case errors.As(err, &typeErr):
		writeError(w, err)
	default:
		writeInternal(w, err)
	}
}

// handleConfigValidate reports the required keys still unset.
func (s *Server) handleConfigValidate(w http.ResponseWriter, r *http.Request) {
	missing := s.deps.Config.MissingRequired()
	if missing == nil {
		missing = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":        len(missing) == 0,
		"missing_keys": missing,
	})
}

// handleConfigRefresh drops the resolution memo so the next reads hit the
// database.
func (s *Server) handleConfigRefresh(w http.ResponseWriter, r *http.Request) {
	s.deps.Config.Refresh()
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

// handleTestConnectivity probes every configured service.
func (s *Server) handleTestConnectivity(w http.ResponseWriter, r *http.Request) {
	var testers map[string]services.ConnectionTester
	if s.deps.Testers != nil {
		testers = s.deps.Testers()
	}
	results := services.TestConnectivity(r.Context(), testers)
	if results == nil {
		results = []services.ConnectivityResult{}
	}
	writeJSON(w, http.StatusOK, results)
}
