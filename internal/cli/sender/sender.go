// Package sender implements the flow image and flow file commands.
package sender

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/sheerbytes/chunkflow/internal/bench"
	"github.com/sheerbytes/chunkflow/internal/config"
	"github.com/sheerbytes/chunkflow/internal/delivery"
	"github.com/sheerbytes/chunkflow/internal/framing"
	"github.com/sheerbytes/chunkflow/internal/logging"
	"github.com/sheerbytes/chunkflow/internal/progress"
	"github.com/sheerbytes/chunkflow/internal/transport"
	"github.com/sheerbytes/chunkflow/pkg/manifest"
)

// Kinds of send.
const (
	KindImage = "image"
	KindFile  = "file"
)

const (
	dialTimeout = 10 * time.Second
	// drainTimeout bounds the wait for the receiver to finish after the
	// last transfer.
	drainTimeout = 30 * time.Second
)

// Exit codes.
const (
	ExitOK      = 0
	ExitPartial = 1
	ExitUsage   = 2
	ExitError   = 3
)

// Options carries what Run needs from the process.
type Options struct {
	Stdout io.Writer
	Stderr io.Writer
	// Terminal is the TTY the TUI draws on. Nil disables the TUI.
	Terminal io.Writer
}

// Run sends every path named in args as kind and returns a process exit code.
func Run(ctx context.Context, kind string, args []string, opts Options) int {
	stdout, stderr := orDiscard(opts.Stdout), orDiscard(opts.Stderr)

	fs := flag.NewFlagSet("flow "+kind, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { printUsage(stderr, kind, fs) }
	cfg, err := config.ParseClientConfigWithFlagSet(fs, args)
	if errors.Is(err, flag.ErrHelp) {
		return ExitOK
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return ExitUsage
	}
	if len(cfg.Paths) == 0 {
		fmt.Fprintf(stderr, "flow %s: no paths given\n", kind)
		fs.Usage()
		return ExitUsage
	}

	useTUI := cfg.TUI && opts.Terminal != nil
	logOut := stderr
	if useTUI {
		logOut = io.Discard
	}
	logger := logging.NewWithWriter(logOut, "flow", cfg.LogLevel)

	m, err := manifest.ScanPaths(cfg.Paths)
	if err != nil {
		if len(m.Items) == 0 {
			fmt.Fprintln(stderr, err)
			return ExitError
		}
		logger.Warn("some paths were skipped", "error", err)
	}
	if len(m.Items) == 0 {
		fmt.Fprintf(stderr, "flow %s: no files found\n", kind)
		return ExitError
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dialCtx, cancelDial := context.WithTimeout(ctx, dialTimeout)
	stream, err := transport.Dial(dialCtx, cfg.Network, cfg.Addr, transport.Options{Logger: logger, WSPath: cfg.WSPath})
	cancelDial()
	if err != nil {
		fmt.Fprintf(stderr, "connect %s %s: %v\n", cfg.Network, cfg.Addr, err)
		return ExitError
	}
	defer stream.Close()

	dcfg := cfg.Delivery()
	names := m.Names()
	header := fmt.Sprintf("%s -> %s://%s  mode=%s chunk=%d", kind, cfg.Network, cfg.Addr, dcfg.Mode, dcfg.ChunkSize)
	board := progress.NewBoard(header, names, cfg.Bench)

	var stopView func()
	if useTUI {
		stopView = progress.RunTUI(ctx, opts.Terminal, board.View, cancel)
	} else {
		stopView = progress.RenderSender(ctx, stdout, board.View)
	}

	s := delivery.NewSender(
		framing.NewChannel(stream, stream),
		dcfg,
		delivery.WithLogger(logger),
		delivery.WithProgress(board.Observe),
	)
	reports, sendErr := sendAll(ctx, s, kind, m.Items, board, logger)

	if sendErr == nil {
		if err := finish(ctx, s, stream); err != nil {
			logger.Warn("receiver did not close the stream", "error", err)
		}
	}
	stopView()

	printSummary(stdout, reports)
	switch {
	case sendErr != nil:
		fmt.Fprintln(stderr, sendErr)
		return ExitError
	case !allComplete(reports):
		return ExitPartial
	}
	return ExitOK
}

func sendAll(ctx context.Context, s *delivery.Sender, kind string, items []manifest.Item, board *progress.Board, logger *slog.Logger) ([]delivery.Report, error) {
	reports := make([]delivery.Report, 0, len(items))
	for _, item := range items {
		report, err := sendOne(ctx, s, kind, item)
		report.Name = item.Name
		board.Finish(report, err)
		reports = append(reports, report)
		if err != nil {
			return reports, fmt.Errorf("send %s: %w", item.Path, err)
		}
		logger.Info("transfer finished",
			"name", item.Name,
			"chunks", report.TotalChunks,
			"acked", report.ChunksAcked,
			"retries", report.Retries,
			"failed", len(report.Failed),
			"elapsed", report.Elapsed,
		)
	}
	return reports, nil
}

func sendOne(ctx context.Context, s *delivery.Sender, kind string, item manifest.Item) (delivery.Report, error) {
	if kind == KindFile {
		data, err := os.ReadFile(item.Path)
		if err != nil {
			return delivery.Report{}, err
		}
		return s.SendFile(ctx, item.Name, data)
	}

	f, err := os.Open(item.Path)
	if err != nil {
		return delivery.Report{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return delivery.Report{}, err
	}
	return s.SendImage(ctx, item.Name, f, info.Size(), delivery.DetectImage(f, info.Size(), item.Name))
}

// finish half-closes the stream and waits for the receiver to drain it, so
// late ACKs are read and the receiver sees a clean end of stream.
func finish(ctx context.Context, s *delivery.Sender, stream transport.Stream) error {
	if err := transport.CloseWrite(stream); err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	return s.Wait(waitCtx)
}

func allComplete(reports []delivery.Report) bool {
	for _, r := range reports {
		if r.Mode == delivery.ModeReliable && !r.Complete() {
			return false
		}
	}
	return true
}

func printSummary(w io.Writer, reports []delivery.Report) {
	for _, r := range reports {
		status := "ok"
		if r.Mode == delivery.ModeReliable && !r.Complete() {
			status = fmt.Sprintf("partial failed=%v", r.Failed)
		}
		fmt.Fprintf(w, "%s: %s in %s (%s) chunks=%d sent=%d acked=%d retries=%d %s\n",
			r.Name,
			progress.FormatBytes(r.Bytes),
			r.Elapsed.Round(time.Millisecond),
			progress.FormatRate(r.Throughput()),
			r.TotalChunks,
			r.ChunksSent,
			r.ChunksAcked,
			r.Retries,
			status,
		)
	}
	if len(reports) < 2 {
		return
	}
	t := bench.SummarizeSent(reports)
	fmt.Fprintf(w, "total: %d/%d complete, %s, ack rate %.1f%%, %d retries, %s\n",
		t.Complete, t.Transfers,
		progress.FormatBytes(t.Bytes),
		t.AckRate(),
		t.Retries,
		progress.FormatRate(t.Throughput()),
	)
}

func printUsage(w io.Writer, kind string, fs *flag.FlagSet) {
	fmt.Fprintf(w, "usage: flow %s [flags] <path>...\n", kind)
	if kind == KindImage {
		fmt.Fprintln(w, "sends each path in chunks with per-chunk integrity checks")
	} else {
		fmt.Fprintln(w, "sends each path as one whole frame")
	}
	fmt.Fprintln(w, "flags:")
	fs.PrintDefaults()
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
