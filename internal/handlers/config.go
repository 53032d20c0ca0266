package handlers

import (
	"net/http"

	"github.com/open-ode/broker/internal/config"
)

// GetConfig is the one unauthenticated endpoint besides health. Clients
// fetch it to discover where the session websocket lives.
func GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{
		"httpPort": config.Cfg.HTTPPort,
		"wsPort":   config.Cfg.WSPort,
	})
}
