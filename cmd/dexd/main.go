package main

import (
	"context"
	"errors"
	core_log "log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/peerdex/peerdex"
	"github.com/peerdex/peerdex/log"
	"github.com/peerdex/peerdex/version"
)

var GitCommit string

func main() {
	err := run()
	if err != nil {
		core_log.Fatal(err)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	cfg, err := peerdex.GetConfig(os.Args[1:])
	var flagErr *flags.Error
	if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
		return nil
	}
	if err != nil {
		return err
	}

	err = os.MkdirAll(cfg.DataDir, 0700)
	if err != nil {
		return err
	}
	logger, err := log.NewZapLogger(cfg.LogLevel, "stdout", cfg.LogPath)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log.SetLogger(logger)

	log.Infof("peerdex starting up with commit %s and cfg: %s", GitCommit, cfg)
	log.Infof("DB version: %s", version.GetCurrentVersion())

	node, err := peerdex.NewNode(ctx, cfg, logger.Named("dexd"))
	if err != nil {
		return err
	}
	err = node.Start(ctx)
	if err != nil {
		node.Stop()
		return err
	}
	log.Infof("peerdex listening as %s", node.ID())

	sig := <-sigChan
	log.Infof("received signal: %v, shutting down", sig)
	cancel()
	node.Stop()
	log.Infof("peerdex stopped")
	return nil
}
