package main

import (
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/birelay/birelay/internal/manager"
	"github.com/birelay/birelay/internal/relay"
	"github.com/birelay/birelay/internal/storage"
	"github.com/birelay/birelay/internal/supervisor"
	"github.com/birelay/birelay/internal/transport"
	"github.com/birelay/birelay/pkg/config"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", "config.yaml"))
	}

	// Initialize storage
	var store storage.Storage
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStorage()
	} else {
		logger.Info("Using PostgreSQL storage")
		store, err = storage.NewPostgresStorage(storage.DatabaseConfig{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			DBName:      cfg.Database.DBName,
			SSLMode:     cfg.Database.SSLMode,
			UseInMemory: cfg.Database.UseInMemory,
		})
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
	}
	defer store.Close()

	// Initialize the verification gate and the session supervisor
	gate := relay.NewGate(store, rand.New(rand.NewSource(time.Now().UnixNano())), logger)
	sup := supervisor.New(supervisor.Config{
		Store:  store,
		Gate:   gate,
		Logger: logger,
	})

	// Bring up the manager bot
	managerTransport, err := transport.Dial(cfg.Telegram.ManagerToken)
	if err != nil {
		logger.Fatal("Failed to connect the manager bot", zap.Error(err))
	}
	handler := manager.New(managerTransport, store, sup, cfg.Telegram.AdminChannel, logger)
	sup.SetAdminLog(handler.AdminLog)
	sup.RunManager(managerTransport, handler.HandleUpdate)
	logger.Info("Manager bot online", zap.String("username", managerTransport.Username()))

	// Restore sessions for every registered bot
	if err := sup.ReconcileAll(); err != nil {
		logger.Fatal("Failed to restore hosted bots", zap.Error(err))
	}

	// Run until interrupted
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("Shutting down", zap.String("signal", sig.String()))
	sup.StopAll()
}
