package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/aeolun/parley/pkg/server"
	"github.com/aeolun/parley/pkg/store"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	configPath := flag.String("config", "~/.parley/config.toml", "Path to config file")
	port := flag.Int("port", 0, "TCP port to listen on (overrides config)")
	dbPath := flag.String("db", "", "Path to SQLite database (overrides config)")
	metricsAddr := flag.String("metrics", "", "Prometheus metrics listen address (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("Parley Server %s\n", Version)
		os.Exit(0)
	}

	if *debug {
		server.EnableDebugLogging()
		log.Printf("Debug logging enabled")
	}

	// Load configuration (creates default if not found)
	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Command-line flags override config file
	if *port != 0 {
		config.Server.Port = *port
	}
	if *dbPath != "" {
		config.Server.DatabasePath = *dbPath
	}
	if *metricsAddr != "" {
		config.Server.MetricsAddr = *metricsAddr
	}

	finalDBPath, err := config.GetDatabasePath()
	if err != nil {
		log.Fatalf("Failed to resolve database path: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(finalDBPath), 0755); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	db, err := store.Open(finalDBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	serverConfig := config.ToConfig()
	srv := server.NewServer(db, serverConfig)

	log.Printf("Database: %s", finalDBPath)

	if err := srv.Start(); err != nil {
		db.Close()
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Printf("Parley server %s started successfully", Version)
	log.Printf("Port: %d", serverConfig.Port)
	if serverConfig.TLSCertPath != "" && serverConfig.TLSKeyPath != "" {
		log.Printf("TLS: %s", serverConfig.TLSCertPath)
	}
	if serverConfig.MetricsAddr != "" {
		log.Printf("Metrics: http://%s/metrics", serverConfig.MetricsAddr)
	}
	if serverConfig.WebSocketAddr != "" {
		log.Printf("WebSocket: ws://%s/ws", serverConfig.WebSocketAddr)
	}
	log.Printf("AI backend: %s (model %s)", serverConfig.OllamaURL, serverConfig.OllamaModel)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")
	if err := srv.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("Server stopped")
}
