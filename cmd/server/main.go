package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kiliankoe/quizsync/internal/config"
	"github.com/kiliankoe/quizsync/internal/logging"
	"github.com/kiliankoe/quizsync/internal/relay"
	"github.com/kiliankoe/quizsync/internal/transport/memory"
	staticserver "github.com/kiliankoe/quizsync/static"
	"github.com/rs/zerolog/log"
)

const version = "v0.3.0-dev"

func main() {
	var (
		showHelp    = flag.Bool("help", false, "Show help message")
		showVersion = flag.Bool("version", false, "Show version information")
		portFlag    = flag.String("port", "", "Port to listen on (overrides PORT env var)")
	)
	flag.BoolVar(showHelp, "h", false, "Show help message (shorthand)")
	flag.BoolVar(showVersion, "v", false, "Show version information (shorthand)")
	flag.Parse()

	if *showHelp {
		fmt.Printf(`quizsync relay - session relay for the multiplayer quiz

Usage: %s [options]

Options:
  -h, --help      Show this help message
  -v, --version   Show version information
  --port PORT     Port to listen on (default: 8080 or PORT env var)

Environment Variables:
  PORT            Port to listen on (default: 8080)
  SEND_RATE       State sends per second per connection (default: 60)
  SEND_BURST      Burst allowance for state sends (default: 120)
  LOG_LEVEL       trace, debug, info, warn or error (default: info)
  LOG_FORMAT      console or json (default: console)

Examples:
  %s                  Start the relay with default settings
  %s --port 3000      Start the relay on port 3000

Clients connect to ws://localhost:8080/ws or through Socket.IO.
`, os.Args[0], os.Args[0], os.Args[0])
		return
	}

	if *showVersion {
		fmt.Printf("quizsync relay %s\n", version)
		return
	}

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	port := cfg.Port
	if *portFlag != "" {
		port = *portFlag
	}

	// Gin setup with custom logger (skip /socket.io and /ws noise)
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.Request.URL.Path
		if strings.HasPrefix(path, "/socket.io") || path == "/ws" {
			return
		}
		log.Info().Str("path", path).Int("status", c.Writer.Status()).Dur("dur", time.Since(start)).Msg("http")
	})

	srv := relay.New(memory.NewHub(), cfg)
	srv.Routes(r)
	io := srv.Mount(r)
	defer io.Close()

	// Lobby page for everything else
	r.NoRoute(func(c *gin.Context) {
		staticserver.Handler().ServeHTTP(c.Writer, c.Request)
	})

	log.Info().Str("port", port).Msg("listening")
	if err := r.Run(":" + port); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
