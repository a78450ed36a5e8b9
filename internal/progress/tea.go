package progress

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

type tickMsg struct{}
type stopMsg struct{}

type senderTeaModel struct {
	viewFn    func() SenderView
	interrupt func()
	view      SenderView
}

func (m senderTeaModel) Init() tea.Cmd {
	return nil
}

func (m senderTeaModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			if m.interrupt != nil {
				m.interrupt()
			}
			return m, tea.Quit
		}
	case tickMsg:
		m.view = m.viewFn()
	case stopMsg:
		m.view = m.viewFn()
		return m, tea.Quit
	}
	return m, nil
}

func (m senderTeaModel) View() string {
	return renderSenderTTY(m.view)
}

// RunTUI shows view in a full-screen terminal program until ctx ends or the
// returned stop func is called. Ctrl-C calls interrupt, which should cancel
// the transfer. Stop waits for the program to restore the terminal.
func RunTUI(ctx context.Context, w io.Writer, view func() SenderView, interrupt func()) func() {
	model := senderTeaModel{viewFn: view, interrupt: interrupt, view: view()}
	program := tea.NewProgram(model, tea.WithOutput(w), tea.WithAltScreen(), tea.WithContext(ctx))
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		_, _ = program.Run()
	}()

	ticker := time.NewTicker(250 * time.Millisecond)
	stop := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-exited:
				return
			case <-ticker.C:
				program.Send(tickMsg{})
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			program.Send(stopMsg{})
			<-exited
		})
	}
}

func renderSenderTTY(v SenderView) string {
	var b strings.Builder
	writeSenderTable(&b, v, true)
	if done, total := overall(v.Rows); total > 0 {
		percent := float64(done) / float64(total) * 100
		fmt.Fprintf(&b, "%s %5.1f%%  %d/%d files\n", renderBar(percent, 30), percent, done, total)
	}
	fmt.Fprint(&b, colorize("ctrl+c to abort", colorCyan, true))
	return b.String()
}

func overall(rows []SenderRow) (done, total int) {
	for _, row := range rows {
		total++
		switch row.Status {
		case StatusDone, StatusPartial, StatusFailed:
			done++
		}
	}
	return done, total
}
