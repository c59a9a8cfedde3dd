// cmd/migrate/main.go
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/mailqueue-backend/internal/config"
	"github.com/unclebandit/mailqueue-backend/internal/db"
	"github.com/unclebandit/mailqueue-backend/internal/logger"
)

// Applies the schema, then any seed files given as arguments or listed
// (comma separated) in MAILQUEUE_SEED_FILES.
func main() {
	skipSchema := flag.Bool("seed-only", false, "skip the schema and only apply seed files")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logr, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logr.Sync()

	if cfg.Database.Driver != "postgres" {
		logr.Fatal("migrations need the postgres driver", zap.String("driver", cfg.Database.Driver))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	conn, err := db.Open(ctx, cfg.Database, logr)
	if err != nil {
		logr.Fatal("connect", zap.Error(err))
	}
	defer conn.Close()

	if !*skipSchema {
		if err := db.Migrate(ctx, conn); err != nil {
			logr.Fatal("migrate", zap.Error(err))
		}
		logr.Info("schema applied")
	}

	files := flag.Args()
	if env := os.Getenv("MAILQUEUE_SEED_FILES"); env != "" {
		for _, f := range strings.Split(env, ",") {
			if f = strings.TrimSpace(f); f != "" {
				files = append(files, f)
			}
		}
	}
	if err := db.ApplyFiles(ctx, conn, files, logr); err != nil {
		logr.Fatal("seed", zap.Error(err))
	}
	logr.Info("database ready", zap.Int("seed_files", len(files)))
}
