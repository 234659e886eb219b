package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/arlens/ar-backend/config"
	"github.com/arlens/ar-backend/internal/bootstrap"
	"github.com/rs/zerolog/log"
)

const usage = "usage: worker <run|expire|prune>"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	bootstrap.ConfigureLogging(cfg.App.Environment, cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "run":
		err = runWorker(ctx, cfg)
	case "expire":
		err = runExpire(ctx, cfg)
	case "prune":
		err = runPrune(ctx, cfg)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", os.Args[1]).Msg("worker failed")
	}
}
