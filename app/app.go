package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/go-chi/cors"
	"github.com/putto11262002/fitchat/core"
	"github.com/putto11262002/fitchat/pkg/router"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	config  *Config
	db      *core.SQLiteDB
	context context.Context
	server  *http.Server
	logger  *slog.Logger
	router  *router.Router

	identities *core.SQLiteIdentityStore
	authStore  core.AuthStore
	engine     *core.Engine
	wsManager  *core.ConnManager

	participantHandler *ParticipantHandler
	chatHandler        *ChatHandler
	authHandler        *AuthHandler

	cleanupFuncs []func(context.Context)
}

// New builds the app from config. ctx bounds the lifetime of the app: Start
// shuts down once it is done.
func New(ctx context.Context, config *Config) (*App, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%s", FormatValidationErrors(err))
	}
	app := &App{config: config, context: ctx}

	var level slog.Level
	if err := level.UnmarshalText([]byte(config.Log.Level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	app.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				source, _ := a.Value.Any().(*slog.Source)
				if source != nil {
					source.File = filepath.Base(source.File)
				}
			}
			return a
		},
	}))

	sqliteOptions := &core.SQLiteDBOption{
		Mode:        "rwc",
		Cache:       "shared",
		JournalMode: "WAL",
		BusyTimeout: 5000,
		ForeignKeys: true,
	}
	db, err := core.NewSQLiteDB(config.SQLite.File, config.SQLite.Migrations, sqliteOptions)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	app.db = db
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	app.identities = core.NewSQLiteIdentityStore(db.DB)
	app.authStore = core.NewSQLiteAuthStore(db.DB, app.identities, []byte(config.Auth.Secret),
		core.WithTokenTTL(config.Auth.TokenTTL))

	var chatAuth core.Authenticator = core.NewTokenAuthenticator(app.authStore, app.identities)
	if config.Auth.Mode == AuthModeCode {
		chatAuth = core.NewCodeAuthenticator(app.identities)
	}
	app.engine = core.NewEngine(
		core.NewRegistry(app.logger),
		core.NewSQLiteRoomDirectory(db.DB),
		core.NewSQLiteMessageStore(db.DB),
		app.identities,
		chatAuth,
		core.WithEngineLogger(app.logger),
		core.WithTypingTracker(core.NewTypingTracker(config.Chat.TypingWindow)),
	)

	app.wsManager, err = core.NewConnManager(ctx, app.engine,
		core.WithLogger(app.logger),
		core.WithSendBufferSize(config.Chat.SendBuffer),
		core.WithCheckOrigin(app.checkOrigin),
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connection manager: %w", err)
	}

	// shutdown runs these in order: connections, timers, database
	app.AddCleanupFunc(func(ctx context.Context) {
		if err := app.wsManager.Close(ctx); err != nil {
			app.logger.Warn(fmt.Sprintf("closing connections: %v", err))
		}
	})
	app.AddCleanupFunc(func(ctx context.Context) {
		app.engine.Close()
	})
	app.AddCleanupFunc(func(ctx context.Context) {
		app.db.Close()
	})

	app.participantHandler = NewParticipantHandler(app.identities)
	app.chatHandler = NewChatHandler(app.engine, app.identities)
	app.authHandler = NewAuthHandler(app.authStore)
	app.routes()

	app.server = &http.Server{
		Addr:      fmt.Sprintf("%s:%d", config.Hostname, config.Port),
		Handler:   app.router,
		TLSConfig: tlsConfig(config.Mode),
		BaseContext: func(listener net.Listener) context.Context {
			return app.context
		},
	}
	return app, nil
}

func (app *App) routes() {
	app.router = router.New(
		router.WithLogger(app.logger),
		router.WithErrorClassifier(classifyCoreError),
	)
	registerErrorMappers(app.router)
	authMiddleware := core.JWTMiddleware(app.authStore)

	app.router.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   app.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// connections authenticate with a chat_auth frame after the upgrade
	app.router.Router.Handle("/ws", app.wsManager)
	app.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) error {
		if err := app.db.PingContext(r.Context()); err != nil {
			return router.NewJsonError(http.StatusServiceUnavailable, "database unavailable")
		}
		return router.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"status":      "ok",
			"connections": app.wsManager.Len(),
		})
	})

	app.router.Route("/api", func(api *router.Router) {
		api.Route("/auth", func(r *router.Router) {
			r.Post("/signin", app.authHandler.SigninHandler)
			r.With(authMiddleware).Post("/signout", app.authHandler.SignoutHandler)
		})

		api.Post("/groups", app.participantHandler.CreateGroupHandler)
		api.Route("/participants", func(r *router.Router) {
			r.Post("/", app.participantHandler.RegisterParticipantHandler)
			r.With(authMiddleware).Get("/me", app.participantHandler.MeHandler)
			r.With(authMiddleware).Get("/{code}", app.participantHandler.GetParticipantHandler)
		})

		api.Group(func(r *router.Router) {
			r.Use(authMiddleware)
			r.Get("/rooms", app.chatHandler.GetMyRoomsHandler)
			r.Post("/rooms/direct", app.chatHandler.OpenDirectRoomHandler)
			r.Get("/rooms/{roomKey}/messages", app.chatHandler.GetRoomMessagesHandler)
			r.Get("/rooms/{roomKey}/messages/search", app.chatHandler.SearchMessagesHandler)
			r.Post("/rooms/{roomKey}/messages", app.chatHandler.SendMessageHandler)
			r.Post("/rooms/{roomKey}/read", app.chatHandler.ReadRoomHandler)
			r.Post("/messages/{messageID}/reactions", app.chatHandler.ToggleReactionHandler)
			r.Delete("/messages/{messageID}", app.chatHandler.DeleteMessageHandler)
		})
	})
}

// checkOrigin allows WebSocket upgrades from the configured origins.
// Requests without an Origin header are not from browsers and are allowed.
func (app *App) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(app.config.AllowedOrigins, "*") {
		return true
	}
	return slices.Contains(app.config.AllowedOrigins, origin)
}

// Handler returns the root HTTP handler.
func (app *App) Handler() http.Handler {
	return app.router
}

// Start serves HTTP until the app context is done or the server fails, then
// shuts everything down within shutdownTimeout.
func (app *App) Start() error {
	g, ctx := errgroup.WithContext(app.context)

	g.Go(func() error {
		app.logger.Info(fmt.Sprintf("app running in %s mode on: %s:%d",
			app.config.Mode, app.config.Hostname, app.config.Port))

		var err error
		if app.config.TLSEnabled() {
			err = app.server.ListenAndServeTLS(app.config.TLS.Crt, app.config.TLS.Key)
		} else {
			err = app.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		return app.Shutdown()
	})

	return g.Wait()
}

// Shutdown stops accepting requests and runs the cleanup functions.
func (app *App) Shutdown() error {
	closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer closeCancel()

	// hijacked WebSocket connections are not tracked by the server
	if err := app.server.Shutdown(closeCtx); err != nil {
		app.logger.Warn(fmt.Sprintf("server shutdown: %v", err))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, f := range app.cleanupFuncs {
			f(closeCtx)
		}
	}()

	select {
	case <-done:
		app.logger.Info("app shutdown gracefully")
		return nil
	case <-closeCtx.Done():
		app.logger.Info("app shutdown timed out")
		return closeCtx.Err()
	}
}

func (app *App) AddCleanupFunc(f func(context.Context)) {
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}
