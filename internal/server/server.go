package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/wardenhq/warden/internal/hub"
	"github.com/wardenhq/warden/internal/server/middleware"
	"github.com/wardenhq/warden/pkg/config"
	"github.com/wardenhq/warden/pkg/protocol"
	"github.com/wardenhq/warden/pkg/state"
	"github.com/wardenhq/warden/pkg/state/statemanager"
	"github.com/wardenhq/warden/pkg/transport"
)

type App struct {
	logger  *slog.Logger
	manager state.Manager
	hub     *hub.Hub
	wg      sync.WaitGroup
	http    *http.Server
	config  *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) *App {
	manager := statemanager.NewInMemoryManager(logger)
	connectionHub := hub.New(
		logger,
		manager,
		hub.NewJWTVerifier(cfg.Server.Auth.JWTSecret),
		config.CompilePermissions,
		hub.Config{
			AuthTimeout:       cfg.Hub.AuthTimeout,
			HeartbeatInterval: cfg.Hub.HeartbeatInterval,
			LivenessTimeout:   cfg.Hub.LivenessTimeout,
		},
	)

	app := &App{
		logger:  logger,
		manager: manager,
		hub:     connectionHub,
		config:  cfg,
		ctx:     rootCtx,
	}

	mux := http.NewServeMux()
	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	connCounter := manager.CountByIP
	// Create a cycler function that closes over the manager and hub.
	connCycler := func(ipAddr string) {
		oldest, found := manager.OldestByIP(ipAddr)
		if found {
			logger.Info("Cycling connection: closing oldest", "ip", ipAddr, "connID", oldest.ID)
			connectionHub.Close(oldest.ID, protocol.CloseNormalShutdown, "connection cycled by new connection")
		}
	}

	mux.Handle("/ws",
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewConnectionLimiter(
				logger,
				connCounter,
				connCycler,
				app.config.Server.ConnectionLimit,
			),
		),
	)
	mux.Handle("/stats",
		middleware.Chain(http.HandlerFunc(app.statsHandler),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewAuthMiddleware(
				logger,
				cfg.Server.Auth.JWTSecret,
				config.CompilePermissions,
				state.PermModeratorClass,
			),
		),
	)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	app.http = &http.Server{Addr: app.config.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

// Hub exposes the publish seams to the process's other collaborators.
func (a *App) Hub() *hub.Hub {
	return a.hub
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(slog.String("remoteAddr", reqMeta.IP))

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		a.logger,
	)
	conn.SetOnMessageHandler(a.hub.HandleMessage)
	conn.SetOnCloseHandler(a.hub.HandleTransportClosed)

	if _, err := a.hub.HandleOpen(conn, reqMeta.IP); err != nil {
		connLogger.Error("Failed to admit connection", slog.Any("error", err))
		conn.Close(protocol.CloseSendFailure, "admission failed")
		return
	}

	conn.Run()
	<-conn.Done()
}

func (a *App) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.hub.Stats()); err != nil {
		a.logger.Error("Failed to encode stats", slog.Any("error", err))
	}
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// stop timers, then close all active WebSocket connections.
	a.hub.Shutdown()

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
