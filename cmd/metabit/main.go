package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prxssh/metabit/internal/config"
	"github.com/prxssh/metabit/internal/engine"
	"github.com/prxssh/metabit/internal/events"
	"github.com/prxssh/metabit/internal/logging"
	"github.com/prxssh/metabit/internal/magnet"
)

func main() {
	magnetURI := flag.String("magnet", "", "magnet URI to acquire metadata for (required)")
	out := flag.String("out", "", "path to write the verified .torrent bytes; defaults to <info-hash>.torrent")
	timeout := flag.Duration("timeout", 5*time.Minute, "give up and exit non-zero if metadata isn't acquired in this long")
	debug := flag.Bool("debug", false, "enable debug-level logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := logging.New(os.Stdout, level)
	slog.SetDefault(logger)

	if *magnetURI == "" {
		fmt.Fprintln(os.Stderr, "usage: metabit -magnet <magnet-uri> [-out path] [-timeout 5m]")
		os.Exit(2)
	}

	if err := config.Init(); err != nil {
		logger.Error("failed to initialize config", "error", err)
		os.Exit(1)
	}

	descriptor, err := magnet.Parse(*magnetURI)
	if err != nil {
		logger.Error("failed to parse magnet uri", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	sink := make(events.ChanSink, 64)
	e := engine.New(logger, descriptor, sink)

	if err := e.Start(ctx); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	destination := *out
	if destination == "" {
		destination = descriptor.InfoHash.Hex() + ".torrent"
	}

	if err := run(ctx, sink, destination); err != nil {
		logger.Error("metadata acquisition failed", "error", err)
		e.Stop()
		os.Exit(1)
	}
}

// run drains sink until the download completes, fails, or ctx expires,
// reporting progress and writing the verified bytes to destination.
func run(ctx context.Context, sink events.ChanSink, destination string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev := <-sink:
			switch ev.Type {
			case events.MetaDataDownloadProgress:
				slog.Info("downloading metadata", "percent", ev.Progress)

			case events.MetaDataDownloadComplete:
				if dir := filepath.Dir(destination); dir != "." {
					if err := os.MkdirAll(dir, 0o755); err != nil {
						return fmt.Errorf("create output directory: %w", err)
					}
				}
				if err := os.WriteFile(destination, ev.Bytes, 0o644); err != nil {
					return fmt.Errorf("write metadata: %w", err)
				}
				slog.Info("metadata acquired", "bytes", len(ev.Bytes), "path", destination)
				return nil

			case events.MetaDataDownloadFailed:
				return fmt.Errorf("%s", ev.Reason)

			case events.PeerConnected:
				slog.Debug("peer connected", "addr", ev.Peer)

			case events.PeerDisposed:
				slog.Debug("peer disposed", "addr", ev.Peer)

			case events.PrivateModeEngaged:
				slog.Info("private torrent detected, disabling DHT/PEX/hole-punch discovery")
			}
		}
	}
}
