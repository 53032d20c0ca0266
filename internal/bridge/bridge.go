// Package bridge exposes an attached pseudo-terminal as explicit channels.
//
// Sandbox backends hand over the raw PTY surface (stdin, stdout, resize,
// wait) and the bridge turns it into an output channel and an exit channel
// consumed by the connection handler's event loop. Output bytes pass
// through verbatim in exactly the order the pseudo-terminal produced them:
// no parsing, no reordering, no buffering beyond the read loop's copy.
package bridge

import (
	"fmt"
	"io"
	"sync"
)

// ExitStatus describes how the attached process terminated.
type ExitStatus struct {
	Code   int
	Signal string
}

// Stream is the raw attached PTY surface a sandbox backend exposes.
type Stream struct {
	Stdin  io.Writer
	Stdout io.Reader
	// Resize changes the PTY geometry.
	Resize func(cols, rows uint16) error
	// Wait blocks until the attached process exits.
	Wait func() ExitStatus
	// Close tears the PTY down. Must unblock any pending Stdout read.
	Close func() error
}

// Terminal is a live PTY attachment. Output and Done are owned by the
// bridge; the consumer must drain Output until it is closed.
type Terminal struct {
	stream Stream
	output chan []byte
	done   chan ExitStatus
	stop   chan struct{}

	closeOnce sync.Once
	writeMu   sync.Mutex

	tapMu   sync.Mutex
	taps    map[int]func([]byte)
	nextTap int
}

// Attach wraps a stream and starts pumping its output.
func Attach(s Stream) *Terminal {
	t := &Terminal{
		stream: s,
		output: make(chan []byte, 32),
		done:   make(chan ExitStatus, 1),
		stop:   make(chan struct{}),
		taps:   make(map[int]func([]byte)),
	}
	go t.pump()
	return t
}

func (t *Terminal) pump() {
	defer close(t.output)

	buf := make([]byte, 32*1024)
	for {
		n, err := t.stream.Stdout.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			t.notifyTaps(data)
			select {
			case t.output <- data:
			case <-t.stop:
				t.finish()
				return
			}
		}
		if err != nil {
			t.finish()
			return
		}
	}
}

func (t *Terminal) finish() {
	t.done <- t.stream.Wait()
	close(t.done)
}

func (t *Terminal) notifyTaps(data []byte) {
	t.tapMu.Lock()
	defer t.tapMu.Unlock()
	for _, fn := range t.taps {
		fn(data)
	}
}

// Tap registers a secondary observer of the output stream and returns its
// remove function. Taps see every chunk in production order, before the
// primary consumer; they must not block. Used by the run-command endpoint
// to collect output without detaching the relay.
func (t *Terminal) Tap(fn func([]byte)) func() {
	t.tapMu.Lock()
	id := t.nextTap
	t.nextTap++
	t.taps[id] = fn
	t.tapMu.Unlock()

	return func() {
		t.tapMu.Lock()
		delete(t.taps, id)
		t.tapMu.Unlock()
	}
}

// Output delivers process output chunks in production order. Closed when
// the stream ends.
func (t *Terminal) Output() <-chan []byte {
	return t.output
}

// Done delivers the exit status once, after Output is closed.
func (t *Terminal) Done() <-chan ExitStatus {
	return t.done
}

// Write sends bytes to the process as keyboard input. Concurrent writers
// are serialized so interleaved input keeps arrival order per call.
func (t *Terminal) Write(p []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.stream.Stdin.Write(p); err != nil {
		return fmt.Errorf("write input: %w", err)
	}
	return nil
}

// Resize changes the terminal geometry.
func (t *Terminal) Resize(cols, rows uint16) error {
	return t.stream.Resize(cols, rows)
}

// Close tears down the attachment. Safe to call more than once; the
// underlying stream is closed exactly once.
func (t *Terminal) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stop)
		err = t.stream.Close()
	})
	return err
}
