// Package server exposes the HTTP API handlers.
package server

import (
	"database/sql"
	"encoding/json"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/onnwee/sublink/backend/config"
	"github.com/onnwee/sublink/backend/discordapi"
	"github.com/onnwee/sublink/backend/entitlement"
	"github.com/onnwee/sublink/backend/sweeper"
	"github.com/onnwee/sublink/backend/twitchapi"
)

// submitter is the slice of the entitlement worker the handlers use.
type submitter interface {
	Submit(entitlement.Command)
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	DB      *sql.DB
	Cfg     *config.Config
	Helix   *twitchapi.HelixClient
	OAuth   *oauth2.Config
	Discord *discordapi.Client
	Worker  submitter
	Sweeper *sweeper.Sweeper
	RoleMap entitlement.RoleMap
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
