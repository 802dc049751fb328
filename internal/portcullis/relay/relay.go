// Package relay pulses the door strike.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warthog618/go-gpiocdev"

	"github.com/portcullis/portcullis/internal/clock"
)

// DefaultPulse is how long the strike stays open after a grant.
const DefaultPulse = 5 * time.Second

// Relay opens the door for a while.
type Relay interface {
	// Pulse energises the relay for d and releases it. The relay is
	// released even when ctx ends early.
	Pulse(ctx context.Context, d time.Duration) error
}

// output is the part of a GPIO line a relay drives.
type output interface {
	SetValue(int) error
	Close() error
}

// GPIORelay drives an active-high relay on a GPIO character-device line.
type GPIORelay struct {
	mu    sync.Mutex
	line  output
	clock clock.Clock
}

// OpenGPIO requests offset on chip (for example "gpiochip0") as an output
// driven low.
func OpenGPIO(chip string, offset int) (*GPIORelay, error) {
	l, err := gpiocdev.RequestLine(chip, offset,
		gpiocdev.AsOutput(0),
		gpiocdev.WithConsumer("portcullis-relay"),
	)
	if err != nil {
		return nil, fmt.Errorf("request gpio %s:%d: %w", chip, offset, err)
	}
	return &GPIORelay{line: l, clock: clock.Real()}, nil
}

func (r *GPIORelay) Pulse(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.line.SetValue(1); err != nil {
		return fmt.Errorf("relay on: %w", err)
	}

	select {
	case <-ctx.Done():
	case <-r.clock.After(d):
	}

	if err := r.line.SetValue(0); err != nil {
		return fmt.Errorf("relay off: %w", err)
	}
	return nil
}

// Close releases the line, leaving the relay off.
func (r *GPIORelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.line.SetValue(0)
	return r.line.Close()
}

// LogRelay logs pulses instead of switching hardware.
type LogRelay struct {
	Logger logrus.FieldLogger
	Clock  clock.Clock
}

func (r LogRelay) Pulse(ctx context.Context, d time.Duration) error {
	c := r.Clock
	if c == nil {
		c = clock.Real()
	}
	r.Logger.WithField("duration", d.String()).Info("relay on")
	select {
	case <-ctx.Done():
	case <-c.After(d):
	}
	r.Logger.Info("relay off")
	return nil
}
