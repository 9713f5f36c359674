package main

import (
	"database/sql"
	"log"

	"mailsync/internal/auth"
	"mailsync/internal/config"
	"mailsync/internal/gmail"
	"mailsync/internal/handler"
	"mailsync/internal/logger"
	"mailsync/internal/mailbox"
	"mailsync/internal/repository"
	"mailsync/internal/repository/memory"
	"mailsync/internal/repository/postgres"
	"mailsync/internal/router"
	"mailsync/internal/sse"
	"mailsync/internal/token"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	_ "github.com/lib/pq"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatal("Config validation failed:", err)
	}

	// Initialize logger
	appLogger := logger.New()

	// Initialize session repository (postgres or in-memory based on DATABASE_URL)
	var sessionRepo repository.SessionRepository

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatal("Failed to connect to database:", err)
		}
		defer db.Close()

		if err := postgres.InitializeDatabase(db); err != nil {
			log.Fatal("Failed to initialize database:", err)
		}
		sessionRepo = postgres.NewPostgresSessionRepository(db)

		appLogger.Info("Using PostgreSQL session repository")
	} else {
		sessionRepo = memory.NewInMemorySessionRepository()

		appLogger.Info("Using in-memory session repository")
	}

	// Initialize the OAuth flow controller
	flow := auth.NewController(auth.Options{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
		Timeout:      cfg.AuthTimeout,
	}, appLogger)

	// Initialize the token store; the flow controller doubles as its
	// refresher since both speak to the same provider endpoints
	tokens := token.NewStore(sessionRepo, flow, appLogger)

	// Initialize the Gmail client and SSE manager
	gmailClient := gmail.NewClient(appLogger, cfg.HTTPTimeout)
	sseManager := sse.NewManager(appLogger)
	defer sseManager.Close()

	// Initialize the mail sync engine
	engine := mailbox.NewEngine(tokens, gmailClient, sseManager, appLogger, mailbox.Options{
		StaleAfter:  cfg.CacheStaleAfter,
		MaxAttempts: cfg.SyncMaxAttempts,
		MaxResults:  cfg.SyncMaxResults,
	})

	// Initialize handlers
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	sessionStore := handler.NewSessionStore([]byte(cfg.SessionSecret))
	authHandler := handler.NewAuthHandler(flow, tokens, engine, sessionStore, e.Logger)
	mailHandler := handler.NewMailHandler(engine, authHandler, sseManager, e.Logger)

	// Setup routes
	router.SetupRoutes(e, authHandler, mailHandler)

	// Start server
	appLogger.Info("Starting server on port", cfg.Port)
	if err := e.Start(":" + cfg.Port); err != nil {
		appLogger.Error("Server stopped:", err)
	}
}
