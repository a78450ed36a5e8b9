package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sheerbytes/chunkflow/internal/cli/sender"
	"github.com/sheerbytes/chunkflow/internal/progress"
	"github.com/sheerbytes/chunkflow/internal/termio"
)

const version = "v0.2.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	termio.Init()
	defer termio.Flush()

	if len(args) == 0 {
		printUsage(termio.Stderr())
		return sender.ExitUsage
	}
	if hasVersionFlag(args) {
		fmt.Fprintln(termio.Stdout(), version)
		return sender.ExitOK
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := sender.Options{Stdout: termio.Stdout(), Stderr: termio.Stderr()}
	if progress.IsTTY(termio.StdoutFile()) {
		// The TUI owns the terminal directly; queued writes would tear it.
		opts.Terminal = termio.StdoutFile()
	}

	switch cmd := args[0]; cmd {
	case sender.KindImage, sender.KindFile:
		return sender.Run(ctx, cmd, args[1:], opts)
	case "help", "-h", "--help":
		printUsage(termio.Stdout())
		return sender.ExitOK
	default:
		fmt.Fprintf(termio.Stderr(), "unknown command: %s\n", cmd)
		printUsage(termio.Stderr())
		return sender.ExitUsage
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: flow <command> [flags] <path>...")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  image  send files in integrity-checked chunks")
	fmt.Fprintln(w, "  file   send files as one frame each")
	fmt.Fprintln(w, "quick examples:")
	fmt.Fprintln(w, "  flow image -addr 10.0.0.2:9000 photo.png")
	fmt.Fprintln(w, "  flow image -mode SEMI-FIABLE -network quic a.png b.png")
	fmt.Fprintln(w, "  flow file -network ws notes.txt")
	fmt.Fprintln(w, "to learn detailed usage:")
	fmt.Fprintln(w, "  flow image --help")
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
