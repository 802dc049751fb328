package device

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// ErrClosed is returned by a closed Fake.
var ErrClosed = errors.New("device: closed")

// Fake is an in-memory Port. Lines fed with Feed are returned by Read;
// everything written is captured for inspection.
type Fake struct {
	mu       sync.Mutex
	written  bytes.Buffer
	writeErr error
	drains   int

	in     chan []byte
	rest   []byte
	closed chan struct{}
	once   sync.Once
}

func NewFake() *Fake {
	return &Fake{in: make(chan []byte, 16), closed: make(chan struct{})}
}

// Feed queues input for Read.
func (f *Fake) Feed(s string) {
	f.in <- []byte(s)
}

// Hangup makes pending and future reads return io.EOF.
func (f *Fake) Hangup() {
	close(f.in)
}

func (f *Fake) Read(b []byte) (int, error) {
	if len(f.rest) == 0 {
		select {
		case chunk, ok := <-f.in:
			if !ok {
				return 0, io.EOF
			}
			f.rest = chunk
		case <-f.closed:
			return 0, ErrClosed
		}
	}
	n := copy(b, f.rest)
	f.rest = f.rest[n:]
	return n, nil
}

func (f *Fake) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	return f.written.Write(b)
}

func (f *Fake) Drain() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drains++
	return f.writeErr
}

func (f *Fake) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// FailWrites makes every following Write and Drain return err.
func (f *Fake) FailWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

// Written returns a copy of everything written so far.
func (f *Fake) Written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return bytes.Clone(f.written.Bytes())
}

// Drains reports how many times Drain was called.
func (f *Fake) Drains() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drains
}
