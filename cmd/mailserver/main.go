package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/adrsu/gmail-clone/internal/blobstorage"
	"github.com/adrsu/gmail-clone/internal/conf"
	"github.com/adrsu/gmail-clone/internal/directory"
	"github.com/adrsu/gmail-clone/internal/server"
	"github.com/adrsu/gmail-clone/internal/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	dbPath := flag.String("db", "/app/data/mail.db", "Path to mailbox database")
	flag.Parse()

	log.Println("Starting mail server...")

	cfg, err := conf.LoadConfig(*configPath)
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration:", err)
	}

	var blobs *blobstorage.S3BlobStorage
	if cfg.BlobStorage.Enabled {
		log.Println("Initializing S3 blob storage...")
		blobs, err = blobstorage.NewS3BlobStorage(cfg.BlobStorage)
		if err != nil {
			log.Printf("Warning: Failed to initialize S3 blob storage: %v", err)
			log.Println("Falling back to local SQLite storage")
			blobs = nil
		} else {
			log.Printf("S3 blob storage initialized: %s (bucket: %s)", cfg.BlobStorage.Endpoint, cfg.BlobStorage.Bucket)
		}
	} else {
		log.Println("S3 blob storage is disabled in config, using local SQLite storage")
	}

	st, err := sqlite.Open(*dbPath, blobs)
	if err != nil {
		log.Fatal("Failed to open mailbox store:", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Printf("Error closing store: %v", err)
		}
	}()

	log.Printf("Mailbox store opened: %s", *dbPath)

	var dir directory.Directory
	switch cfg.Auth.Mode {
	case conf.AuthModeStrict:
		dir = directory.NewAuthServer(cfg.Auth.ServerURL, cfg.Domain, cfg.Auth.JWTSecret, st)
		log.Printf("Authentication: strict (auth server %s)", cfg.Auth.ServerURL)
	default:
		dir = directory.NewPermissive(cfg.Domain, st)
		log.Println("Authentication: permissive (accepting any credentials)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := server.NewSupervisor(cfg, st, dir)
	if err := sup.Run(ctx); err != nil {
		log.Fatal("Server error:", err)
	}

	log.Println("Shutdown complete")
}
