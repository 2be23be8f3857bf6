// Copyright 2024-2026 Aiku AI

package connector

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"time"
)

// maxReloadBodySize is the maximum allowed request body for puppet reload (1 MB).
const maxReloadBodySize = 1 << 20

// startAdminAPI starts the admin HTTP server that serves the puppet
// hot-reload endpoint. It listens on its own address, separate from the
// appservice transport.
func (mc *MattermostConnector) startAdminAPI() {
	addr := mc.Config.AdminAPIAddr
	if addr == "" {
		addr = os.Getenv("BRIDGE_API_ADDR")
	}
	if addr == "" {
		addr = ":29320"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/reload-puppets", mc.HandleReloadPuppets)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		mc.Bridge.Log.Info().Str("addr", addr).Msg("Starting bridge admin API")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			mc.Bridge.Log.Error().Err(err).Msg("Bridge admin API error")
		}
	}()
}

// reloadRequest is the JSON body for POST /api/reload-puppets.
type reloadRequest struct {
	Puppets []PuppetEntry `json:"puppets"`
}

// reloadResponse is returned by a successful reload.
type reloadResponse struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
	Total   int `json:"total"`
}

// HandleReloadPuppets is the HTTP handler for POST /api/reload-puppets.
//
// With a JSON body the given entries become the entire active puppet set:
// any previously loaded slug missing from the body is removed. With an
// empty body the set is rebuilt from the MATTERMOST_PUPPET_* environment
// convention instead. Bodies may be either {"puppets": [...]} or, for
// older deployments, a bare entry array.
func (mc *MattermostConnector) HandleReloadPuppets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	mc.Bridge.Log.Info().
		Str("remote_addr", r.RemoteAddr).
		Str("content_length", r.Header.Get("Content-Length")).
		Msg("Puppet reload requested")

	entries, fromBody, ok := mc.readReloadEntries(w, r)
	if !ok {
		return
	}
	source := "env"
	if fromBody {
		source = "body"
	} else {
		entries = puppetEntriesFromEnv()
	}

	mc.Bridge.Log.Info().
		Str("remote_addr", r.RemoteAddr).
		Int("entries", len(entries)).
		Str("source", source).
		Msg("Processing puppet reload")

	diff, err := mc.Puppets.Reconcile(r.Context(), entries)
	if err != nil {
		if errors.Is(err, ErrDuplicateSlug) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mc.Bridge.Log.Error().Err(err).Msg("Puppet reload failed")
		http.Error(w, "reload failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	resp := reloadResponse{
		Added:   len(diff.Added),
		Removed: len(diff.Removed),
		Total:   mc.Puppets.Count(),
	}
	if err := json.NewEncoder(w).Encode(&resp); err != nil {
		mc.Bridge.Log.Warn().Err(err).Msg("Failed to write reload response")
	}
}

// readReloadEntries reads and decodes the request body. fromBody is false
// when the body was empty (caller falls back to the environment scan). On
// a malformed or oversized body it writes the error response and returns
// ok=false.
func (mc *MattermostConnector) readReloadEntries(w http.ResponseWriter, r *http.Request) (entries []PuppetEntry, fromBody, ok bool) {
	if r.Body == nil || r.ContentLength == 0 {
		return nil, false, true
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxReloadBodySize)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return nil, false, false
	}
	if len(body) == 0 {
		return nil, false, true
	}

	var req reloadRequest
	if err := json.Unmarshal(body, &req); err != nil {
		// Fall back to the legacy bare-array body.
		if arrErr := json.Unmarshal(body, &req.Puppets); arrErr != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return nil, false, false
		}
	}
	return req.Puppets, true, true
}
