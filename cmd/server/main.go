package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/aeolun/chatcast/pkg/server"
	"github.com/joho/godotenv"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	// Configure logger with microsecond precision
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	// Command line flags
	configPath := flag.String("config", "~/.chatcast/config.toml", "Path to config file")
	port := flag.Int("port", 0, "HTTP port to listen on (overrides config)")
	dbPath := flag.String("db", "", "Path to SQLite database (overrides config)")
	locale := flag.String("locale", "", "Default locale for announcements (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	// Handle --version flag
	if *version {
		fmt.Printf("Chatcast Server %s\n", Version)
		os.Exit(0)
	}

	// A .env file in the working directory feeds the CHATCAST_* overrides
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: failed to read .env: %v", err)
	}

	// Load configuration (creates default if not found)
	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := config.ApplyEnv(); err != nil {
		log.Fatalf("Failed to apply environment: %v", err)
	}

	// Command-line flags override config file and environment
	if *port != 0 {
		config.Server.HTTPPort = *port
	}
	if *dbPath != "" {
		config.Server.DatabasePath = *dbPath
	}
	if *locale != "" {
		config.Server.DefaultLocale = *locale
	}

	serverConfig, err := config.ToServerConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	srv, err := server.NewServer(serverConfig)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	// Enable debug logging if requested
	if *debug {
		srv.EnableDebugLogging()
		log.Printf("Debug logging enabled")
	}

	log.Printf("Config: %s (using defaults if not found)", *configPath)
	if serverConfig.DatabasePath != "" {
		log.Printf("Database: %s", serverConfig.DatabasePath)
	} else {
		log.Printf("Database: disabled (history is not kept)")
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Printf("Chatcast server %s started successfully", Version)
	_, listenPort, _ := net.SplitHostPort(srv.Addr())
	log.Printf("  - WebSocket: ws://<host>:%s%s", listenPort, serverConfig.WSPath)
	log.Printf("  - History:   /api/chat/messages")
	log.Printf("  - Health:    /health, metrics: /metrics")
	if serverConfig.MessageRetention > 0 {
		log.Printf("Message retention: %v (cleanup every %v)", serverConfig.MessageRetention, serverConfig.CleanupInterval)
	}

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
