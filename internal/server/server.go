package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/a-essam23/go-collab/internal/router"
	"github.com/a-essam23/go-collab/internal/server/middleware"
	"github.com/a-essam23/go-collab/pkg/access"
	"github.com/a-essam23/go-collab/pkg/chat"
	"github.com/a-essam23/go-collab/pkg/config"
	"github.com/a-essam23/go-collab/pkg/cursor"
	"github.com/a-essam23/go-collab/pkg/docsync"
	"github.com/a-essam23/go-collab/pkg/presence"
	"github.com/a-essam23/go-collab/pkg/pubsub"
	"github.com/a-essam23/go-collab/pkg/pubsub/memory"
	"github.com/a-essam23/go-collab/pkg/pubsub/redisbroker"
	"github.com/a-essam23/go-collab/pkg/state"
	"github.com/a-essam23/go-collab/pkg/state/statemanager"
	"github.com/a-essam23/go-collab/pkg/store"
	"github.com/a-essam23/go-collab/pkg/store/memstore"
	"github.com/a-essam23/go-collab/pkg/store/pgstore"
	"github.com/a-essam23/go-collab/pkg/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

var (
	errConnectionCycled = errors.New("connection cycled by new connection")
	errShutdown         = errors.New("graceful shutdown")
)

type App struct {
	logger       *slog.Logger
	stateManager state.Manager
	eventRouter  *router.EventRouter
	store        store.Store
	broker       pubsub.Broker
	access       *access.Service
	chat         *chat.Service
	wg           sync.WaitGroup
	http         *http.Server
	config       *config.Config

	ctx context.Context
}

// NewApp opens the configured store and broker and wires every service on
// top of them.
func NewApp(rootCtx context.Context, logger *slog.Logger, cfg *config.Config) (*App, error) {
	st, err := openStore(rootCtx, logger, cfg.Store)
	if err != nil {
		return nil, err
	}
	broker, err := openBroker(rootCtx, logger, cfg.Broker)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	app, err := NewAppWith(rootCtx, logger, cfg, st, broker)
	if err != nil {
		_ = broker.Close()
		_ = st.Close()
		return nil, err
	}
	return app, nil
}

func openStore(ctx context.Context, logger *slog.Logger, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		st, err := pgstore.Open(ctx, logger, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return st, nil
	default:
		return memstore.New(logger), nil
	}
}

func openBroker(ctx context.Context, logger *slog.Logger, cfg config.BrokerConfig) (pubsub.Broker, error) {
	switch cfg.Driver {
	case "redis":
		b, err := redisbroker.Dial(ctx, logger, redisbroker.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
		if err != nil {
			return nil, fmt.Errorf("failed to dial redis broker: %w", err)
		}
		return b, nil
	default:
		return memory.New(logger), nil
	}
}

// NewAppWith wires the app on an already opened store and broker. The app
// owns both and closes them on shutdown.
func NewAppWith(rootCtx context.Context, logger *slog.Logger, cfg *config.Config, st store.Store, broker pubsub.Broker) (*App, error) {
	stateManager := statemanager.NewInMemoryManager(logger)
	accessSvc := access.NewService(st, logger)
	chatSvc := chat.NewService(st, broker, logger)

	registry := router.NewRegistry(logger)
	pipes, err := config.CompilePipelines(cfg.Events, registry.GetStepFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to compile event pipelines: %w", err)
	}
	eventRouter, err := router.NewEventRouter(logger, router.Deps{
		State:    stateManager,
		Store:    st,
		Broker:   broker,
		Access:   accessSvc,
		Chat:     chatSvc,
		Presence: presence.New(broker, presence.Config{HeartbeatInterval: cfg.Collab.PresenceHeartbeat, StaleAfter: cfg.Collab.PresenceStale}, logger),
		Registry: registry,
		Cursor:   cursor.Config{Debounce: cfg.Collab.CursorDebounce},
		Doc: docsync.Config{
			Debounce:       cfg.Collab.DocDebounce,
			SuppressWindow: cfg.Collab.EchoSuppression,
			WriteTimeout:   cfg.Collab.DocWriteTimeout,
		},
		ChatHistoryLimit: cfg.Collab.ChatHistoryLimit,
		ChatRateLimit:    cfg.Collab.ChatRateLimit,
	}, pipes)
	if err != nil {
		return nil, err
	}

	app := &App{
		logger:       logger,
		stateManager: stateManager,
		eventRouter:  eventRouter,
		store:        st,
		broker:       broker,
		access:       accessSvc,
		chat:         chatSvc,
		config:       cfg,
		ctx:          rootCtx,
	}

	app.http = &http.Server{Addr: cfg.Server.Address, Handler: app.routes(), BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}
	return app, nil
}

func (a *App) routes() http.Handler {
	connCounter := middleware.UserConnectionCounter(a.stateManager.GetUserConnectionCount)
	connCycler := func(userID string) {
		oldest, found := a.stateManager.FindOldestUserConnection(userID)
		if found {
			a.logger.Info("Cycling connection: closing oldest", slog.String("userID", userID), slog.String("connID", oldest.ID.String()))
			oldest.Transport.Close(errConnectionCycled)
		}
	}
	auth := middleware.NewAuthMiddleware(a.logger, a.config.Server.Auth.JWTSecret, a.config.Server.Auth.CookieName)

	r := mux.NewRouter()
	r.Use(mux.MiddlewareFunc(middleware.RequestMetadataMiddleware()), mux.MiddlewareFunc(middleware.NewRequestLogger(a.logger)))

	r.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	r.Handle("/ws", middleware.Chain(http.HandlerFunc(a.upgradeHandler),
		auth,
		middleware.NewConnectionLimiter(a.logger, connCounter, connCycler, a.config.Server.ConnectionLimit),
	))

	api := r.PathPrefix("/api").Subrouter()
	api.Use(mux.MiddlewareFunc(auth))
	a.registerAPI(api)
	return r
}

// Handler exposes the HTTP routes, for tests.
func (a *App) Handler() http.Handler {
	return a.http.Handler
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
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.UserID),
	)

	origins := a.config.Server.AllowedOrigins
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     origins,
		InsecureSkipVerify: slices.Contains(origins, "*"),
	})
	if err != nil {
		connLogger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		nil,
		nil,
		a.logger,
	)
	stateConn, err := a.stateManager.RegisterConnection(conn, reqMeta.IP)
	if err != nil {
		connLogger.Error("Failed to register connection state", slog.Any("error", err))
		conn.Close(err)
		return
	}
	if err := a.eventRouter.Connect(r.Context(), stateConn.ID, reqMeta.UserID, reqMeta.DisplayName, conn); err != nil {
		connLogger.Error("Failed to start session", slog.Any("error", err))
		_ = a.stateManager.DeregisterConnection(stateConn.ID)
		conn.Close(err)
		return
	}
	conn.SetOnMessageHandler(a.eventRouter.HandleMessage)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("Deregistering connection due to closure", slog.String("connID", id.String()), slog.Any("reason", err))
		a.eventRouter.Disconnect(id)
		if dErr := a.stateManager.DeregisterConnection(id); dErr != nil {
			connLogger.Error("Failed to deregister connection from state", slog.Any("error", dErr))
		}
	})

	connLogger.Info("User connection fully established", slog.String("connID", stateConn.ID.String()))
	conn.Run()
	<-conn.Done()
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Shutdown stops accepting requests, closes every live connection and
// waits for their cleanup before releasing the broker and the store.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpErr := a.http.Shutdown(shutdownCtx)

	a.logger.Info("Closing all active connections...")
	for _, conn := range a.stateManager.AllConnections() {
		conn.Transport.Close(errShutdown)
	}
	a.wg.Wait()
	a.eventRouter.Shutdown()

	err := errors.Join(httpErr, a.broker.Close(), a.store.Close())
	if err != nil {
		a.logger.Error("Shutdown finished with errors", slog.Any("error", err))
		return err
	}
	a.logger.Info("Server shut down gracefully.")
	return nil
}
