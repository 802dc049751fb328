// Package device opens the serial lines that connect the scanner and the
// status display.
package device

import (
	"fmt"
	"io"
	"sync"

	"go.bug.st/serial"
)

// Port is a bidirectional hardware line.
type Port interface {
	io.ReadWriteCloser
	Drain() error
}

// OpenSerial opens path at baud, 8N1.
func OpenSerial(path string, baud int) (Port, error) {
	p, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", path, err)
	}
	return p, nil
}

// Line serialises writes to a port so that one command sequence is never
// interleaved with another writer's. Reads are not guarded.
type Line struct {
	mu   sync.Mutex
	port Port
}

func NewLine(p Port) *Line {
	return &Line{port: p}
}

// Send writes each chunk in order and drains the output buffer while
// holding the line.
func (l *Line) Send(chunks ...[]byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, c := range chunks {
		if _, err := l.port.Write(c); err != nil {
			return err
		}
	}
	return l.port.Drain()
}

// Write implements io.Writer with a drain after every call.
func (l *Line) Write(b []byte) (int, error) {
	if err := l.Send(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Read reads from the underlying port without taking the write lock.
func (l *Line) Read(b []byte) (int, error) {
	return l.port.Read(b)
}

func (l *Line) Close() error {
	return l.port.Close()
}
