// Package spinning displays a spinning symbol followed by a status line while the program is busy, and
// handles interruptions gracefully.
package spinning

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"k8s.io/klog/v2"
)

var (
	ThemeAscii = []rune(`|/-\`)
	ThemeMoon  = []rune("🌑🌒🌓🌔🌕🌖🌗🌘")

	// Theme defaults to ThemeAscii, but it can be set to anything else.
	Theme = ThemeAscii

	// Interval between updates of the display.
	Interval = 250 * time.Millisecond
)

// Spinning displays a spinning symbol and a status, updated on a separate goroutine until Done is called.
type Spinning struct {
	wg     sync.WaitGroup
	cancel func()
	out    io.Writer

	mu     sync.Mutex
	status string
	idx    int
}

// SafeInterrupt will capture SigInt (Ctrl+C) and SigTerm and call the provided onInterrupt.
// If the program haven't exited after gracePeriod, it will call Reset to reset the terminal
// and exit.
func SafeInterrupt(onInterrupt func(), gracePeriod time.Duration) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigChan
		fmt.Println()
		klog.Errorf("Got interrupted (signal %q), shutting down... (%s)", s, gracePeriod)
		if onInterrupt != nil {
			go onInterrupt()
		}

		// Wait for gracePeriod before exiting.
		time.Sleep(gracePeriod)
		Reset()
		klog.Fatalf("Graceful shutting down %s period expired, exiting.", gracePeriod)
	}()
}

// Reset terminal: make cursor visible, restore default terminal colors.
func Reset() {
	fmt.Print("\033[?25h\033[39;49;0m\n") // Restore cursor and colors.
}

// New starts a spinning display on stdout with the given status. It stops when ctx is done or Done is called.
func New(ctx context.Context, status string) *Spinning {
	return newWithWriter(ctx, os.Stdout, status)
}

func newWithWriter(ctx context.Context, out io.Writer, status string) *Spinning {
	s := &Spinning{out: out, status: status}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(Interval)
		defer ticker.Stop()
		_, _ = fmt.Fprint(s.out, "\033[?25l")       // Hide cursor.
		defer fmt.Fprint(s.out, "\033[?25h\r\x1b[0K") // Restore cursor and clear the line.
		for {
			s.draw()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// continue
			}
		}
	}()
	return s
}

// Update the status displayed after the spinning symbol.
func (s *Spinning) Update(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = fmt.Sprintf(format, args...)
}

func (s *Spinning) draw() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprintf(s.out, "\r%c %s\x1b[0K", Theme[s.idx%len(Theme)], s.status)
	s.idx++
}

// Done stops the spinning display and waits for it to clear the line.
func (s *Spinning) Done() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
}
