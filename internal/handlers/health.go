package handlers

import (
	"net/http"

	"github.com/open-ode/broker/internal/database"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	backend := "none"
	if Sandbox != nil {
		backend = Sandbox.BackendName()
	}

	sessions, users := 0, 0
	if Reg != nil {
		sessions, users = Reg.Counts()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "healthy",
		"sandbox_backend": backend,
		"database":        dbStatus,
		"totalSessions":   sessions,
		"activeUsers":     users,
	})
}
