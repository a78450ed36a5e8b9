package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sheerbytes/chunkflow/internal/cli/receiver"
	"github.com/sheerbytes/chunkflow/internal/termio"
)

const serverVersion = "v0.2.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	termio.Init()
	defer termio.Flush()

	if hasVersionFlag(args) {
		fmt.Fprintln(termio.Stdout(), serverVersion)
		return receiver.ExitOK
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return receiver.Run(ctx, args, receiver.Options{Stdout: termio.Stdout(), Stderr: termio.Stderr()})
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
