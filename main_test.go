package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gluk-w/sshbridge/internal/database"
	"github.com/gluk-w/sshbridge/internal/sshaudit"
)

func TestRunCLICommand_GenerateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "bridge.pem")
	var out bytes.Buffer
	if err := runCLICommand("generate-key", []string{"--out", path}, &out); err != nil {
		t.Fatalf("generate-key: %v", err)
	}
	if !strings.HasPrefix(out.String(), "ssh-ed25519 ") {
		t.Errorf("printed public key = %q", out.String())
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat private key: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("private key mode = %o, want 600", info.Mode().Perm())
	}

	var printed bytes.Buffer
	if err := runCLICommand("print-public-key", []string{"--key", path}, &printed); err != nil {
		t.Fatalf("print-public-key: %v", err)
	}
	if strings.TrimSpace(printed.String()) != strings.TrimSpace(out.String()) {
		t.Errorf("printed %q, generated %q", printed.String(), out.String())
	}

	if err := runCLICommand("generate-key", []string{"--out", path}, &out); err == nil {
		t.Error("expected error when the key already exists")
	}
}

func TestRunCLICommand_Usage(t *testing.T) {
	var out bytes.Buffer
	if err := runCLICommand("generate-key", nil, &out); err == nil {
		t.Error("expected usage error without --out")
	}
	if err := runCLICommand("rotate", nil, &out); err == nil {
		t.Error("expected error for unknown command")
	}
}

func TestStartAuditPurge(t *testing.T) {
	db, err := database.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}()

	auditor := sshaudit.NewAuditor(db, 7)
	old := database.SessionAuditLog{SessionID: "old", EventType: "session_end", CreatedAt: time.Now().AddDate(0, 0, -30)}
	fresh := database.SessionAuditLog{SessionID: "fresh", EventType: "session_end", CreatedAt: time.Now()}
	if err := db.Create(&old).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := db.Create(&fresh).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := startAuditPurge(auditor, "not a schedule"); err == nil {
		t.Fatal("expected error for invalid schedule")
	}

	c, err := startAuditPurge(auditor, "@every 1s")
	if err != nil {
		t.Fatalf("startAuditPurge: %v", err)
	}
	defer c.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for {
		var count int64
		db.Model(&database.SessionAuditLog{}).Count(&count)
		if count == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("purge did not run, %d entries left", count)
		}
		time.Sleep(50 * time.Millisecond)
	}

	var left database.SessionAuditLog
	db.First(&left)
	if left.SessionID != "fresh" {
		t.Errorf("kept %q, want fresh", left.SessionID)
	}
}

func TestNewRouter(t *testing.T) {
	const token = "s3cret"
	tests := []struct {
		name           string
		metrics, audit bool
		apiToken       string
		path           string
		authorization  string
		wantCode       int
	}{
		{"metrics enabled", true, false, "", "/metrics", "", http.StatusOK},
		{"metrics disabled", false, false, "", "/metrics", "", http.StatusNotFound},
		{"sessions without token configured", false, false, "", "/api/v1/sessions", "", http.StatusNotFound},
		{"sessions without credentials", false, false, token, "/api/v1/sessions", "", http.StatusUnauthorized},
		{"sessions with wrong token", false, false, token, "/api/v1/sessions", "Bearer nope", http.StatusUnauthorized},
		{"sessions with token", false, false, token, "/api/v1/sessions", "Bearer " + token, http.StatusServiceUnavailable},
		{"audit disabled", true, false, token, "/api/v1/audit", "Bearer " + token, http.StatusNotFound},
		{"audit without credentials", true, true, token, "/api/v1/audit", "", http.StatusUnauthorized},
		{"audit with token", true, true, token, "/api/v1/audit", "Bearer " + token, http.StatusServiceUnavailable},
		{"health is public", false, false, token, "/health", "", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.authorization != "" {
				req.Header.Set("Authorization", tt.authorization)
			}
			rec := httptest.NewRecorder()
			newRouter(tt.metrics, tt.audit, tt.apiToken).ServeHTTP(rec, req)
			if rec.Code != tt.wantCode {
				t.Errorf("GET %s status = %d, want %d", tt.path, rec.Code, tt.wantCode)
			}
		})
	}
}
