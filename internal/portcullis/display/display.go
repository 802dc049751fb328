// Package display drives the door status panel. One goroutine owns the
// panel; other goroutines hand it messages through a small queue.
package display

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/portcullis/portcullis/internal/clock"
	"github.com/portcullis/portcullis/internal/device"
)

// CodeBoot is shown while the system starts up.
const CodeBoot byte = 'B'

// Message is one status update. Line1 and Line2 are only used by panels
// that can render text; when empty the panel picks text for Code.
type Message struct {
	Code  byte
	Line1 string
	Line2 string
}

// Panel renders onto a hardware line.
type Panel interface {
	Clear(l *device.Line) error
	Show(l *device.Line, m Message) error
	Idle(l *device.Line, now time.Time, night bool) error
}

type Config struct {
	// Wait is how long the loop waits for a message before redrawing idle.
	Wait time.Duration
	// Hold is how long a message stays on screen.
	Hold time.Duration
	// NightUntil is the local hour at which night ends.
	NightUntil int
	Location   *time.Location
	QueueSize  int
}

func DefaultConfig() Config {
	return Config{
		Wait:       5 * time.Second,
		Hold:       5 * time.Second,
		NightUntil: 7,
		Location:   time.Local,
		QueueSize:  2,
	}
}

type Display struct {
	line   *device.Line
	panel  Panel
	cfg    Config
	clock  clock.Clock
	logger logrus.FieldLogger
	queue  chan Message
}

func New(line *device.Line, panel Panel, cfg Config, c clock.Clock, logger logrus.FieldLogger) *Display {
	def := DefaultConfig()
	if cfg.Wait <= 0 {
		cfg.Wait = def.Wait
	}
	if cfg.Hold <= 0 {
		cfg.Hold = def.Hold
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if c == nil {
		c = clock.Real()
	}
	return &Display{
		line:   line,
		panel:  panel,
		cfg:    cfg,
		clock:  c,
		logger: logger,
		queue:  make(chan Message, cfg.QueueSize),
	}
}

// Show queues m without blocking. When the queue is full the oldest
// pending message is dropped.
func (d *Display) Show(m Message) {
	for {
		select {
		case d.queue <- m:
			return
		default:
		}
		select {
		case old := <-d.queue:
			d.logger.WithField("code", string(old.Code)).Debug("display queue full, dropped oldest message")
		default:
		}
	}
}

// Run owns the panel until ctx ends. A write error stops it.
func (d *Display) Run(ctx context.Context) error {
	if err := d.idle(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-d.queue:
			if err := d.show(m); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return nil
			case <-d.clock.After(d.cfg.Hold):
			}
		case <-d.clock.After(d.cfg.Wait):
		}

		if err := d.idle(); err != nil {
			return err
		}
	}
}

func (d *Display) show(m Message) error {
	if err := d.panel.Clear(d.line); err != nil {
		return fmt.Errorf("display clear: %w", err)
	}
	if err := d.panel.Show(d.line, m); err != nil {
		return fmt.Errorf("display show %q: %w", m.Code, err)
	}
	return nil
}

func (d *Display) idle() error {
	now := d.clock.Now().In(d.cfg.Location)
	if err := d.panel.Clear(d.line); err != nil {
		return fmt.Errorf("display clear: %w", err)
	}
	if err := d.panel.Idle(d.line, now, now.Hour() < d.cfg.NightUntil); err != nil {
		return fmt.Errorf("display idle: %w", err)
	}
	return nil
}
