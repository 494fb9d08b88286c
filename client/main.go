package main

import (
	"bufio"
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/danielstarman/slay-the-spire-mcp-sub000/config"
	"github.com/danielstarman/slay-the-spire-mcp-sub000/logger"
	"github.com/danielstarman/slay-the-spire-mcp-sub000/relay"
)

// The relay binary: spawned by the game mod, it writes "ready" to
// stdout, forwards game state lines from stdin to the server over TCP,
// and forwards command lines from the server back to stdout.
func main() {
	threaded := flag.Bool("threaded-stdin", runtime.GOOS == "windows",
		"read stdin on a dedicated goroutine (required where stdin is not pollable)")
	flag.Parse()

	// Logs must go to stderr: stdout carries the line protocol.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Init()
		logger.Log.Fatalf("Failed to load configuration: %v", err)
	}
	logger.InitWithLevel(cfg.Log.Level)

	var source relay.LineSource
	if *threaded {
		source = relay.NewThreadedSource(func() io.Reader { return os.Stdin })
	} else {
		source = relay.NewReaderSource(os.Stdin)
	}

	output := bufio.NewWriter(os.Stdout)
	r := relay.NewRelay(cfg.Bridge, source, output)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		logger.Log.Info("Signal received, shutting down relay")
		cancel()
	}()

	if err := r.Run(ctx); err != nil {
		logger.Log.Errorf("Relay exited with error: %v", err)
		os.Exit(1)
	}
}
