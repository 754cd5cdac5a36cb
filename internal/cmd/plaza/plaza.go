// Package plaza parses plaza command flags and composes the realtime
// transport with its persistence gateway.
package plaza

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	entrypoint "github.com/nmoreau/plaza.space/internal/platform/cmd"
	server "github.com/nmoreau/plaza.space/internal/services/plaza/app"
	"github.com/nmoreau/plaza.space/internal/services/plaza/storage/sqlite"
)

// Config holds plaza command configuration.
type Config struct {
	HTTPAddr     string `env:"PLAZA_SPACE_HTTP_ADDR"     envDefault:":8080"`
	DBPath       string `env:"PLAZA_SPACE_DB_PATH"       envDefault:"plaza.db"`
	StaticDir    string `env:"PLAZA_SPACE_STATIC_DIR"`
	HistoryLimit int    `env:"PLAZA_SPACE_HISTORY_LIMIT" envDefault:"50"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "plaza HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "sqlite database path")
	fs.StringVar(&cfg.StaticDir, "static-dir", cfg.StaticDir, "directory of static client assets")
	fs.IntVar(&cfg.HistoryLimit, "history-limit", cfg.HistoryLimit, "messages replayed on room join")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run opens the persistence gateway and starts realtime transport behavior.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServicePlaza, func(context.Context) error {
		store, err := openPlazaStore(cfg.DBPath)
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Printf("close plaza store: %v", err)
			}
		}()

		if err := server.Run(ctx, server.Config{
			HTTPAddr:     cfg.HTTPAddr,
			StaticDir:    cfg.StaticDir,
			HistoryLimit: cfg.HistoryLimit,
		}, store); err != nil {
			return fmt.Errorf("serve plaza: %w", err)
		}
		return nil
	})
}

func openPlazaStore(path string) (*sqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plaza sqlite store: %w", err)
	}
	return store, nil
}
