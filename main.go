package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"securechat-backend/config"
	"securechat-backend/database"
	"securechat-backend/internal/api"
	"securechat-backend/internal/middleware"
	"securechat-backend/internal/services"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration:", err)
	}

	db, err := database.Initialize(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatal("Failed to run migrations:", err)
	}

	// Initialize services
	authService := services.NewAuthService(cfg.JWTSecret, cfg.JWTExpiration)
	keyStoreService := services.NewKeyStoreService(db)
	sessionService := services.NewSessionService(db, keyStoreService)
	messageCodec := services.NewMessageCodec()
	ledgerService := services.NewLedgerService(db)
	accessGuard := services.NewAccessGuard(sessionService)
	deliveryService := services.NewDeliveryService(db, sessionService, ledgerService, accessGuard, authService, cfg.HeartbeatTimeout, cfg.TypingExpiry)
	defer deliveryService.Shutdown()

	authMiddleware := middleware.NewAuthMiddleware(authService)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.CORSMiddleware(cfg.AllowedOrigins, cfg.AllowAllOrigins))
	router.Use(middleware.SecurityMiddleware(&middleware.SecurityConfig{
		MaxRequestSize:    cfg.MaxRequestSize,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
	}))

	// Service middleware to inject services into context
	serviceMiddleware := func(c *gin.Context) {
		c.Set("authService", authService)
		c.Set("keyStoreService", keyStoreService)
		c.Set("sessionService", sessionService)
		c.Set("messageCodec", messageCodec)
		c.Set("ledgerService", ledgerService)
		c.Set("accessGuard", accessGuard)
		c.Set("deliveryService", deliveryService)
		c.Next()
	}

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": "SecureChat API is running",
		})
	})

	apiGroup := router.Group("/api/v1")
	{
		// WebSocket route (handles auth internally, token may be a query param)
		apiGroup.GET("/ws", authMiddleware.OptionalAuth(), serviceMiddleware, deliveryService.HandleWebSocket)

		protected := apiGroup.Group("/")
		protected.Use(authMiddleware.AuthRequired())
		protected.Use(serviceMiddleware)
		{
			keys := protected.Group("/keys")
			{
				keys.POST("/initialize", api.InitializeKeys)
				keys.POST("/rotate", api.RotateKeys)
				keys.GET("/:userId", api.GetPublicKey)
			}

			conversations := protected.Group("/conversations")
			{
				conversations.GET("/", api.ListConversations)
				conversations.POST("/", api.CreateConversation)
				conversations.GET("/:id", api.GetConversation)
				conversations.GET("/:id/messages", api.GetMessages)
				conversations.POST("/:id/messages", api.SendMessage)
				conversations.PUT("/:id/read", api.MarkRead)
				conversations.GET("/:id/unread", api.GetUnreadCount)
			}
		}
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("SecureChat API server starting on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start:", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server shutdown complete")
}
