package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"cartserver/database"  // config and the directory snapshot backends
	"cartserver/directory" // durable user records and friend graph
	"cartserver/relay"     // the protocol dispatcher
	"cartserver/utils"     // logger init and the cron janitor

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	var logger *zap.Logger
	var err error
	logger, err = utils.InitLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	godotenv.Load()

	config, err := database.LoadConfig("config.json")
	if err != nil {
		logger.Fatal("Failed to read configuration", zap.Error(err))
	}

	// Pick the directory snapshot backend. Rooms, invites and chat are
	// in-memory only; the user directory is the single durable piece.
	var store directory.Store
	switch config.Storage {
	case "postgres":
		db, err := database.InitPostgreSQL(config, logger)
		if err != nil {
			logger.Fatal("Failed to initialize PostgreSQL", zap.Error(err))
		}
		store, err = database.NewGormStore(db)
		if err != nil {
			logger.Fatal("Failed to prepare directory table", zap.Error(err))
		}
	case "redis":
		rdb, err := database.InitRedis(logger)
		if err != nil {
			logger.Fatal("Failed to initialize Redis", zap.Error(err))
		}
		store = database.NewRedisStore(rdb)
	default:
		store = database.NewFileStore(config.DirectoryPath)
	}

	dir, err := directory.New(store, logger)
	if err != nil {
		logger.Fatal("Failed to load user directory", zap.Error(err))
	}

	r := relay.New(dir, logger)

	janitor := utils.StartJanitor(r, logger)
	defer janitor.Stop()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(req *http.Request) bool {
			return true
		},
	}

	router := gin.New()
	router.Use(gin.Recovery(), utils.RequestLogger(logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/ws", func(c *gin.Context) {
		r.HandleConnection(c.Writer, c.Request, upgrader)
	})
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	port := os.Getenv("PORT")
	if port == "" {
		port = config.Port
	}
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		logger.Info("Starting server", zap.String("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	logger.Info("Server exited")
}
