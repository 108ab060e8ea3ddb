package app

import (
	"context"
	"errors"
	"io/fs"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
)

// Run is the CLI entrypoint used by cmd/talentchat.
// It returns an error instead of calling os.Exit so deferred cleanup runs.
func Run() error {
	envFile := EnvString("CHAT_ENV_FILE", ".env")
	envErr := godotenv.Load(envFile)

	cfg := LoadConfig()
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)
	switch {
	case envErr == nil:
		log.Info("config.env_file.loaded", "path", envFile)
	case !errors.Is(envErr, fs.ErrNotExist):
		return envErr
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
