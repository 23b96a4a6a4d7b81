package handlers

import (
	"net/http"

	"github.com/gluk-w/sshbridge/internal/credential"
	"github.com/gluk-w/sshbridge/internal/database"
)

// Credential is set from main.go during init.
var Credential *credential.Credential

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disabled"
	if database.DB != nil {
		dbStatus = "disconnected"
		if sqlDB, err := database.DB.DB(); err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	status := "healthy"
	if Credential == nil || dbStatus == "disconnected" {
		status = "unhealthy"
	}

	resp := map[string]interface{}{
		"status":   status,
		"database": dbStatus,
	}
	if Credential != nil {
		resp["credential_fingerprint"] = Credential.Fingerprint()
	}
	if Sessions != nil {
		resp["active_sessions"] = Sessions.ActiveCount()
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}
