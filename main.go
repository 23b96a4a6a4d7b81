package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gluk-w/sshbridge/internal/bridge"
	"github.com/gluk-w/sshbridge/internal/config"
	"github.com/gluk-w/sshbridge/internal/credential"
	"github.com/gluk-w/sshbridge/internal/database"
	"github.com/gluk-w/sshbridge/internal/handlers"
	"github.com/gluk-w/sshbridge/internal/logging"
	"github.com/gluk-w/sshbridge/internal/middleware"
	"github.com/gluk-w/sshbridge/internal/sshaudit"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--generate-key", "--print-public-key":
			if err := runCLICommand(os.Args[1][2:], os.Args[2:], os.Stdout); err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	config.Load()
	logging.Init(config.Cfg.LogPath)
	defer logging.Close()

	cred, err := credential.Load(config.Cfg.KeyPath)
	if err != nil {
		log.Fatalf("Credential: %v", err)
	}
	log.Printf("Credential loaded from %s (%s)", cred.Source(), cred.Fingerprint())

	hostKeys, err := bridge.HostKeyCallback(config.Cfg.KnownHosts)
	if err != nil {
		log.Fatalf("Known hosts: %v", err)
	}
	restriction, err := bridge.ParseTargetRestriction(config.Cfg.AllowedTargets)
	if err != nil {
		log.Fatalf("Allowed targets: %v", err)
	}
	var limiter *bridge.RateLimiter
	if config.Cfg.DialRateLimit {
		limiter = bridge.NewRateLimiter()
	}

	// Durations were checked by config.Load
	connectTimeout, _ := config.Cfg.ConnectTimeoutDuration()
	idleTimeout, _ := config.Cfg.IdleTimeoutDuration()

	var auditor *sshaudit.Auditor
	if config.Cfg.AuditDBPath != "" {
		if err := database.Init(config.Cfg.AuditDBPath); err != nil {
			log.Fatalf("Database init: %v", err)
		}
		defer database.Close()
		auditor = sshaudit.InitGlobal(database.DB, config.Cfg.AuditRetentionDays)

		purger, err := startAuditPurge(auditor, config.Cfg.AuditPurgeSchedule)
		if err != nil {
			log.Fatalf("Audit purge schedule: %v", err)
		}
		defer purger.Stop()
		log.Printf("Audit trail enabled (db=%s, retention=%d days)", config.Cfg.AuditDBPath, auditor.RetentionDays())
	}

	tracker := bridge.NewTracker()
	coordinator := &bridge.Coordinator{
		Establisher: &bridge.Establisher{
			Credential:      cred,
			HostKeyCallback: hostKeys,
			Timeout:         connectTimeout,
			Term:            config.Cfg.Term,
			Cols:            config.Cfg.TermCols,
			Rows:            config.Cfg.TermRows,
			Restriction:     restriction,
			Limiter:         limiter,
		},
		Tracker:      tracker,
		IdleTimeout:  idleTimeout,
		ClosedNotice: config.Cfg.ClosedNotice,
	}
	// A nil *Auditor stored in the interface would not compare equal to nil.
	if auditor != nil {
		coordinator.Events = auditor
	}

	handlers.Bridge = coordinator
	handlers.Sessions = tracker
	handlers.Credential = cred
	handlers.Terminal = handlers.TerminalOptions{
		TextFrames:     config.Cfg.TextFrames(),
		MaxMessageSize: config.Cfg.MaxMessageSize,
		OriginPatterns: config.Cfg.AllowedOrigins,
	}
	if config.Cfg.APIToken == "" {
		log.Printf("Session and audit APIs disabled; set SSHBRIDGE_API_TOKEN to enable them")
	}
	log.Printf("Bridge ready (connect_timeout=%s, idle_timeout=%s, term=%s %dx%d)",
		connectTimeout, idleTimeout, config.Cfg.Term, config.Cfg.TermCols, config.Cfg.TermRows)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Live sessions run on request contexts derived from sigCtx, so a
	// signal tears every one of them down.
	srv := &http.Server{
		Addr:        config.Cfg.ListenAddr,
		Handler:     newRouter(config.Cfg.MetricsEnabled, auditor != nil, config.Cfg.APIToken),
		BaseContext: func(net.Listener) context.Context { return sigCtx },
	}

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	// Shutdown does not wait for hijacked WebSocket connections. Sessions
	// must finish their teardown before the audit database closes.
	if err := coordinator.Wait(shutdownCtx); err != nil {
		log.Printf("Shutdown: %d sessions still open: %v", tracker.ActiveCount(), err)
	}
	log.Println("Server stopped")
}

// newRouter mounts the terminal endpoints, health and metrics. The session
// and audit APIs expose client addresses and targets, so they are mounted
// only when apiToken is set and require it as a bearer token.
func newRouter(metricsEnabled, auditEnabled bool, apiToken string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Terminal WebSocket
	r.Get("/", handlers.TerminalWS)
	r.Get("/ws", handlers.TerminalWS)

	r.Get("/health", handlers.HealthCheck)
	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/terminal", handlers.TerminalWS)

		if apiToken == "" {
			return
		}
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireToken(apiToken))

			r.Get("/sessions", handlers.ListSessions)
			r.Get("/sessions/{sessionId}", handlers.GetSession)
			if auditEnabled {
				r.Get("/audit", handlers.GetAuditLogs)
			}
		})
	})
	return r
}

// startAuditPurge schedules removal of audit entries past the retention
// period. The returned scheduler is already running.
func startAuditPurge(auditor *sshaudit.Auditor, schedule string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if _, err := auditor.PurgeOlderThan(0); err != nil {
			log.Printf("[ssh-audit] scheduled purge: %v", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", schedule, err)
	}
	c.Start()
	return c, nil
}

func runCLICommand(command string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(out)

	switch command {
	case "generate-key":
		path := fs.String("out", "", "Private key path; the public key is written to <path>.pub")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *path == "" {
			return errors.New("usage: sshbridge --generate-key --out <path>")
		}
		pub, priv, err := credential.GenerateKeyPair()
		if err != nil {
			return err
		}
		if err := credential.SaveKeyPair(*path, priv, pub); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s", pub)
		return nil

	case "print-public-key":
		path := fs.String("key", "", "Private key path (default SSHBRIDGE_KEY_PATH)")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *path == "" {
			config.Load()
			*path = config.Cfg.KeyPath
		}
		cred, err := credential.Load(*path)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, cred.AuthorizedKey())
		return nil
	}
	return fmt.Errorf("unknown command %q", command)
}
