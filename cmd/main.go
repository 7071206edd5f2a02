package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/victornm/eduel/internal/config"
	"github.com/victornm/eduel/internal/server"
)

func main() {
	c, err := loadConfig()
	if err != nil {
		log.Fatalf("Load config failed: %v", err)
	}

	if err := setupLogger(c); err != nil {
		log.Fatalf("Setup logger failed: %v", err)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGTERM, os.Interrupt)

	s, err := server.Init(c)
	if err != nil {
		log.Fatalf("Init server failed: %v", err)
	}

	go s.Start()

	<-shutdown
	s.Shutdown()
}

// loadConfig reads CONFIG_PATH when set. EDUEL_* variables override the file.
func loadConfig() (server.Config, error) {
	c := server.DefaultConfig()

	if err := config.Load(os.Getenv("CONFIG_PATH"), &c); err != nil {
		return c, fmt.Errorf("load config: %w", err)
	}

	return c, nil
}

func setupLogger(c server.Config) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return fmt.Errorf("log level: %w", err)
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch c.Log.Format {
	case "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}

	slog.SetDefault(slog.New(h))
	return nil
}
