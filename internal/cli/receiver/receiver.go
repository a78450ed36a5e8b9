// Package receiver implements the flowserv command: it listens on one
// transport, persists every transfer and serves the status API.
package receiver

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/sheerbytes/chunkflow/internal/config"
	"github.com/sheerbytes/chunkflow/internal/delivery"
	"github.com/sheerbytes/chunkflow/internal/logging"
	"github.com/sheerbytes/chunkflow/internal/progress"
	"github.com/sheerbytes/chunkflow/internal/receiver"
	"github.com/sheerbytes/chunkflow/internal/server"
	"github.com/sheerbytes/chunkflow/internal/transport"
)

// Exit codes.
const (
	ExitOK    = 0
	ExitError = 1
	ExitUsage = 2
)

// Options carries what Run needs from the process.
type Options struct {
	Stdout io.Writer
	Stderr io.Writer
	// Ready, when set, is called with the stream and status API addresses
	// once both are listening. The status address is nil when disabled.
	Ready func(stream, status net.Addr)
}

// Run serves until ctx is canceled and returns a process exit code.
func Run(ctx context.Context, args []string, opts Options) int {
	stdout, stderr := opts.Stdout, opts.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("flowserv", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: flowserv [flags]")
		fmt.Fprintln(stderr, "receives chunked images and whole files, saving them under -out-dir")
		fmt.Fprintln(stderr, "flags:")
		fs.PrintDefaults()
	}
	cfg, err := config.ParseServerConfigWithFlagSet(fs, args)
	if errors.Is(err, flag.ErrHelp) {
		return ExitOK
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return ExitUsage
	}
	logger := logging.NewWithWriter(stderr, "flowserv", cfg.LogLevel)

	ln, err := transport.Listen(cfg.Network, cfg.Addr, transport.Options{Logger: logger, WSPath: cfg.WSPath})
	if err != nil {
		fmt.Fprintf(stderr, "listen %s %s: %v\n", cfg.Network, cfg.Addr, err)
		return ExitError
	}

	handler := &receiver.Handler{
		Sink:            receiver.DirSink{Dir: cfg.OutDir},
		Loss:            lossSimulator(cfg),
		ChunkTimeout:    cfg.ChunkTimeout,
		MinTimeout:      cfg.MinTimeout,
		MaxFrameSize:    cfg.MaxFrame,
		MaxTransferSize: cfg.MaxTransfer,
		Logger:          logger,
		OnResult:        func(r receiver.Result) { printResult(stdout, r) },
	}
	srv := server.New(ln, handler, server.WithLogger(logger))

	var statusLn net.Listener
	if cfg.HTTPAddr != "" {
		statusLn, err = net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			ln.Close()
			fmt.Fprintf(stderr, "listen status api %s: %v\n", cfg.HTTPAddr, err)
			return ExitError
		}
	}

	fmt.Fprintf(stdout, "listening network=%s addr=%s out=%s loss=%.2f\n", cfg.Network, srv.Addr(), cfg.OutDir, cfg.LossRate)
	if opts.Ready != nil {
		var statusAddr net.Addr
		if statusLn != nil {
			statusAddr = statusLn.Addr()
		}
		opts.Ready(srv.Addr(), statusAddr)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx)
	})
	if statusLn != nil {
		g.Go(func() error {
			return server.ServeListener(gctx, statusLn, server.NewRouter(srv, logger), logger)
		})
	}
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(stderr, err)
		return ExitError
	}
	return ExitOK
}

func lossSimulator(cfg config.ServerConfig) *delivery.LossSimulator {
	if cfg.LossRate <= 0 {
		return nil
	}
	var src rand.Source
	if cfg.Seed != 0 {
		src = rand.NewSource(cfg.Seed)
	}
	return delivery.NewLossSimulator(cfg.LossRate, src)
}

func printResult(w io.Writer, r receiver.Result) {
	status := "complete"
	switch {
	case r.SaveErr != nil:
		status = "save failed: " + r.SaveErr.Error()
	case r.TimedOut:
		status = "timed out"
	case !r.Complete:
		status = "partial"
	}
	saved := r.SavedAs
	if saved == "" {
		saved = "-"
	}
	fmt.Fprintf(w, "%s %s %s: %s, %d/%d chunks (%.1f%%), %s, %s -> %s\n",
		r.TransferID,
		r.Kind,
		r.Name,
		progress.FormatBytes(r.Size),
		r.Received,
		r.TotalChunks,
		r.SuccessRate(),
		progress.FormatRate(r.Throughput()),
		status,
		saved,
	)
}
