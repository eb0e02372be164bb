// Package main initializes and starts the record store server, setting
// up configuration, logging, the persistence backend, the change
// journal, the access gate, and the TCP and ops listeners.
package main

import (
	"cmp"
	"context"
	"fmt"
	"time"

	nethttp "net/http"

	"go.uber.org/zap"

	"ledgerstore/internal/access"
	"ledgerstore/internal/config"
	"ledgerstore/internal/journal"
	"ledgerstore/internal/logger"
	"ledgerstore/internal/ops"
	"ledgerstore/internal/registry"
	"ledgerstore/internal/secure"
	"ledgerstore/internal/server"
	"ledgerstore/internal/storage"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

func main() {
	// Parse command-line and environment configuration.
	options := config.Parse()

	// Print build metadata (or "N/A" if unset).
	fmt.Printf("Build version: %s\n", cmp.Or(version, "N/A"))
	fmt.Printf("Build date: %s\n", cmp.Or(buildDate, "N/A"))

	// Initialize structured logging.
	log := logger.New()
	defer func() { _ = log.Log.Sync() }()
	if err := log.Init("Info"); err != nil {
		log.Log.Fatal("failed to init logger", zap.Error(err))
	}
	zapLogger := log.Log

	ctx := context.Background()

	// Initialize the persistence backend.
	var backend storage.Backend
	if options.DatabaseDSN != "" {
		db, err := storage.InitPostgres(options.DatabaseDSN)
		if err != nil {
			zapLogger.Fatal("cannot init database", zap.Error(err))
		}
		backend = storage.NewPostgres(db)

		// Release orphaned locks left behind by crashed clients.
		if options.LockMaxAgeMinutes > 0 {
			maxAge := time.Duration(options.LockMaxAgeMinutes) * time.Minute
			storage.StartLockSweeper(ctx, db, maxAge/2, maxAge, zapLogger)
		}
	} else {
		zapLogger.Warn("no database DSN configured, using in-memory backend")
		backend = storage.NewMemory()
	}

	// Register the closed set of supported record types.
	reg := registry.New()
	for _, typeName := range options.TypeList() {
		reg.RegisterDocument(typeName)
	}
	zapLogger.Info("registered record types", zap.Strings("types", reg.TypeNames()))

	// Prime the change journal from the backend.
	jrnl, err := journal.New(ctx, backend, options.JournalTail)
	if err != nil {
		zapLogger.Fatal("cannot init journal", zap.Error(err))
	}

	// The codec and gate are shared by every connection worker.
	codec := secure.NewCodec()
	credTTL := time.Duration(options.CredentialTTLSeconds) * time.Second
	gate := access.New(backend, codec, credTTL, zapLogger)

	// Serve the HTTP health/status endpoint if configured.
	if options.OpsAddr != "" {
		router := ops.NewRouter(jrnl, zapLogger)
		go func() {
			zapLogger.Info("starting ops HTTP server", zap.String("addr", options.OpsAddr))
			if err := nethttp.ListenAndServe(options.OpsAddr, router); err != nil {
				zapLogger.Error("ops HTTP server failed", zap.Error(err))
			}
		}()
	}

	// Create and start the TCP store server.
	timeout := time.Duration(options.TimeoutSeconds) * time.Second
	srv := server.New(server.Params{
		Addr:         options.Addr,
		Gate:         gate,
		Codec:        codec,
		Backend:      backend,
		Journal:      jrnl,
		Registry:     reg,
		Log:          zapLogger,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
	if err := srv.Run(ctx); err != nil {
		zapLogger.Fatal("store server failed", zap.Error(err))
	}
}
