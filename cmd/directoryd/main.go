package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	bolt "github.com/coreos/bbolt"
	flags "github.com/jessevdk/go-flags"

	"github.com/lightninglabs/teleport/build"
	"github.com/lightninglabs/teleport/config"
	"github.com/lightninglabs/teleport/directory"
	"github.com/lightninglabs/teleport/signal"
)

func main() {
	if err := run(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadDirectory(os.Args[1:])
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.LogDir, 0700); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	logWriter := &build.LogWriter{}
	if err := logWriter.InitLogRotator(config.LogFilePath(cfg.LogDir)); err != nil {
		return fmt.Errorf("init log rotator: %w", err)
	}
	defer logWriter.Close()
	backend := build.NewBackend(logWriter)
	directory.UseLogger(build.NewSubLogger("DIRD", backend.Logger))

	interceptor := signal.Intercept()

	db, err := bolt.Open(filepath.Join(cfg.DataDir, "directory.db"), 0600, nil)
	if err != nil {
		return fmt.Errorf("open directory db: %w", err)
	}
	defer db.Close()

	store, err := directory.Open(db)
	if err != nil {
		return fmt.Errorf("open directory store: %w", err)
	}

	listenAddr, err := config.ResolveListener(cfg.ListenAddress, "8090")
	if err != nil {
		return fmt.Errorf("resolve listen address: %w", err)
	}

	lis, err := net.Listen(listenAddr.Network(), listenAddr.String())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddr, err)
	}

	srv := directory.NewServer(listenAddr.String(), store)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()

	select {
	case err := <-errCh:
		return err
	case <-interceptor.ShutdownChannel:
		return srv.Stop()
	}
}
