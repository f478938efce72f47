package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sombochea/tungo/internal/collab"
	"github.com/sombochea/tungo/internal/landing"
	"github.com/sombochea/tungo/internal/pending"
	"github.com/sombochea/tungo/internal/proxy"
	"github.com/sombochea/tungo/internal/registry"
	"github.com/sombochea/tungo/internal/server"
	"github.com/sombochea/tungo/pkg/config"
)

func main() {
	cfg, err := config.LoadServerConfig("")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	setupLogger(cfg)

	log.Info().Msg("Starting tungo server")
	log.Info().
		Str("server_id", cfg.ID).
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Int("control_port", cfg.ControlPort).
		Str("domain", cfg.Domain).
		Str("redis_url", cfg.RedisURL).
		Msg("Server configuration")

	slogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	datastore, err := registry.NewRegistry(cfg.RedisURL, cfg.ID, slogger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize registry")
	}
	defer datastore.Close()

	if cfg.RedisURL == "" {
		log.Info().Msg("Using in-memory datastore (non-distributed mode)")
	} else {
		log.Info().Str("redis_url", cfg.RedisURL).Msg("Using Redis datastore (distributed mode)")
	}

	serverInfo := &registry.ServerInfo{
		ServerID:    cfg.ID,
		Host:        cfg.Host,
		ProxyPort:   cfg.Port,
		ControlPort: cfg.ControlPort,
	}
	if err := datastore.RegisterServer(serverInfo); err != nil {
		log.Fatal().Err(err).Msg("Failed to register server")
	}
	datastore.StartHeartbeat(serverInfo)

	serverProxy := proxy.NewServerProxy(datastore, slogger)

	collaborator := newCollaborator(cfg)
	defer collaborator.Close()

	connMgr := server.NewConnectionManager(datastore, log.Logger, cfg.MaxConnections)
	pendingTable := pending.NewTable()
	session := server.NewControlSession(cfg, connMgr, pendingTable, datastore, collaborator, log.Logger)
	dispatcher := server.NewDispatcher(connMgr, pendingTable, serverProxy, collaborator, cfg.Domain, cfg.RequestTimeout, log.Logger)
	landingPage := landing.NewHandler(datastore, cfg.PublicURL)

	controlApp := fiber.New(fiber.Config{
		AppName:      "TunGo Control Server",
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	})

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	controlApp.Get("/ws", adaptor.HTTPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error().Err(err).Msg("Failed to upgrade WebSocket")
			return
		}
		session.HandleConnection(conn)
	})))

	controlApp.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":      "ok",
			"connections": connMgr.GetActiveConnections(),
			"subdomains":  connMgr.ListSubDomains(),
			"pending":     pendingTable.Len(),
		})
	})

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.ControlPort)
		log.Info().Str("addr", addr).Msg("Control server listening")
		if err := controlApp.Listen(addr); err != nil {
			log.Fatal().Err(err).Msg("Control server failed")
		}
	}()

	proxyApp := fiber.New(fiber.Config{
		AppName:      "TunGo Proxy Server",
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	})

	proxyApp.Get("/api/stats", landingPage.Stats)
	proxyApp.All("/*", func(c fiber.Ctx) error {
		if dispatcher.ExtractSubdomain(c.Host()) == "" {
			return landingPage.Index(c)
		}
		return dispatcher.Handle(c)
	})

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		log.Info().Str("addr", addr).Msg("Proxy server listening")
		if err := proxyApp.Listen(addr); err != nil {
			log.Fatal().Err(err).Msg("Proxy server failed")
		}
	}()

	go func() {
		metricsPort := 9090
		http.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf("%s:%d", cfg.Host, metricsPort)
		log.Info().Str("addr", addr).Msg("Metrics server listening")
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for range ticker.C {
			activeConns := connMgr.GetActiveConnectionsCount()
			if err := datastore.UpdateServerLoad(activeConns); err != nil {
				log.Warn().Err(err).Msg("Failed to update server load")
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutting down server...")

	if err := controlApp.Shutdown(); err != nil {
		log.Error().Err(err).Msg("Control server shutdown error")
	}

	if err := proxyApp.Shutdown(); err != nil {
		log.Error().Err(err).Msg("Proxy server shutdown error")
	}

	log.Info().Msg("Server stopped")
}

// newCollaborator selects the Postgres-backed collaborator when a DSN is
// configured, falling back to the no-op default otherwise. A collaborator
// failure is fatal only at startup (a bad DSN is a config error); once
// running, every Collaborator call is best-effort.
func newCollaborator(cfg *config.ServerConfig) collab.Collaborator {
	if cfg.CollaboratorDSN == "" {
		return collab.NewNoopCollaborator()
	}

	pc, err := collab.NewPostgresCollaborator(cfg.CollaboratorDSN, cfg.MigrationsPath, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Postgres collaborator")
	}
	return pc
}

func setupLogger(cfg *config.ServerConfig) {
	var level zerolog.Level
	switch cfg.LogLevel {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	case "fatal":
		level = zerolog.FatalLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
}
