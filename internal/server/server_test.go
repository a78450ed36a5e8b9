package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sheerbytes/chunkflow/internal/delivery"
	"github.com/sheerbytes/chunkflow/internal/framing"
	"github.com/sheerbytes/chunkflow/internal/logging"
	"github.com/sheerbytes/chunkflow/internal/receiver"
	"github.com/sheerbytes/chunkflow/internal/transport"
)

func payloadOf(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func startServer(t *testing.T, ln transport.Listener, h *receiver.Handler) (*Server, context.CancelFunc, <-chan error) {
	t.Helper()
	if h.Logger == nil {
		h.Logger = logging.Discard()
	}
	srv := New(ln, h, WithLogger(logging.Discard()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(cancel)
	return srv, cancel, done
}

func waitServe(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

// sendImage sends one image over stream and waits for the receiver to finish.
func sendImage(t *testing.T, stream transport.Stream, name string, payload []byte) delivery.Report {
	t.Helper()
	defer stream.Close()
	sender := delivery.NewSender(framing.NewChannel(stream, stream), delivery.DefaultConfig(), delivery.WithLogger(logging.Discard()))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	report, err := sender.SendImage(ctx, name, bytes.NewReader(payload), int64(len(payload)), delivery.ImageInfo{Format: "png"})
	if err != nil {
		t.Errorf("SendImage %s: %v", name, err)
		return report
	}
	if err := transport.CloseWrite(stream); err != nil {
		t.Errorf("CloseWrite: %v", err)
	}
	if err := sender.Wait(ctx); err != nil {
		t.Errorf("Wait: %v", err)
	}
	return report
}

func TestServeConcurrentStreams(t *testing.T) {
	ln := transport.NewPipeListener()
	sink := receiver.NewMemorySink()
	var mu sync.Mutex
	var chained []string
	srv, cancel, done := startServer(t, ln, &receiver.Handler{
		Sink: sink,
		OnResult: func(r receiver.Result) {
			mu.Lock()
			chained = append(chained, r.Name)
			mu.Unlock()
		},
	})

	const streams = 4
	payloads := make([][]byte, streams)
	var wg sync.WaitGroup
	for i := 0; i < streams; i++ {
		payloads[i] = payloadOf(2000 + i*500)
		stream, err := ln.Dial()
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		wg.Add(1)
		go func(i int, stream transport.Stream) {
			defer wg.Done()
			report := sendImage(t, stream, fmt.Sprintf("img-%d.png", i), payloads[i])
			if !report.Complete() {
				t.Errorf("stream %d incomplete: %+v", i, report)
			}
		}(i, stream)
	}
	wg.Wait()

	for i, want := range payloads {
		got, ok := sink.Get(fmt.Sprintf("img-%d.png", i))
		if !ok || !bytes.Equal(got, want) {
			t.Fatalf("image %d mismatch (saved=%v)", i, ok)
		}
	}

	cancel()
	if err := waitServe(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("Serve = %v, want context.Canceled", err)
	}
	if got := srv.History().Seen(); got != streams {
		t.Fatalf("history saw %d transfers, want %d", got, streams)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(chained) != streams {
		t.Fatalf("caller OnResult saw %d transfers, want %d", len(chained), streams)
	}
}

func TestServeOverTCP(t *testing.T) {
	ln, err := transport.Listen(transport.NetworkTCP, "127.0.0.1:0", transport.Options{})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	sink := receiver.NewMemorySink()
	srv, cancel, done := startServer(t, ln, &receiver.Handler{Sink: sink})

	ctx, cancelDial := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelDial()
	stream, err := transport.Dial(ctx, transport.NetworkTCP, srv.Addr().String(), transport.Options{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	payload := payloadOf(10_000)
	sendImage(t, stream, "tcp.png", payload)

	if got, _ := sink.Get("tcp.png"); !bytes.Equal(got, payload) {
		t.Fatal("payload mismatch over tcp")
	}
	recent := srv.History().Recent()
	if len(recent) != 1 || recent[0].Format != "png" || !recent[0].Complete {
		t.Fatalf("unexpected history %+v", recent)
	}

	cancel()
	if err := waitServe(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("Serve = %v", err)
	}
}

func TestCloseStopsServeCleanly(t *testing.T) {
	ln := transport.NewPipeListener()
	srv, _, done := startServer(t, ln, &receiver.Handler{Sink: receiver.NewMemorySink()})
	if err := srv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := waitServe(t, done); err != nil {
		t.Fatalf("Serve after Close = %v, want nil", err)
	}
}

func TestCancelEndsInFlightStreams(t *testing.T) {
	ln := transport.NewPipeListener()
	_, cancel, done := startServer(t, ln, &receiver.Handler{Sink: receiver.NewMemorySink()})

	stream, err := ln.Dial()
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer stream.Close()
	// An idle stream would keep Serve waiting without cancellation.
	cancel()
	if err := waitServe(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("Serve = %v", err)
	}
}

func TestHistoryEvictsOldest(t *testing.T) {
	h := NewHistory(2)
	for i := 0; i < 3; i++ {
		h.Add(receiver.Result{Name: fmt.Sprintf("r%d", i)})
	}
	recent := h.Recent()
	if len(recent) != 2 || recent[0].Name != "r1" || recent[1].Name != "r2" {
		t.Fatalf("unexpected history %+v", recent)
	}
	if h.Seen() != 3 {
		t.Fatalf("Seen = %d, want 3", h.Seen())
	}
	if NewHistory(0).limit != 1 {
		t.Fatal("limit should be at least one")
	}
}
