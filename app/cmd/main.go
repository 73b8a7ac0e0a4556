package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"privaterag/app/server"
	"privaterag/config"
	"privaterag/logger"
	"syscall"

	"github.com/joho/godotenv"
)

func init() {
	loadEnvFile()
}

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatal("error loading config: ", err)
	}
	l := logger.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.NewServer(cfg, l).Run(ctx); err != nil {
		l.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// loadEnvFile reads .env when present. A missing file is not an error.
func loadEnvFile() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatal("Error loading .env file: ", err)
	}
}
