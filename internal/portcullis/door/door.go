// Package door assembles the local door hardware: the scanner line, the
// optional status display and the strike relay.
package door

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/portcullis/portcullis/internal/clock"
	"github.com/portcullis/portcullis/internal/config"
	"github.com/portcullis/portcullis/internal/device"
	"github.com/portcullis/portcullis/internal/portcullis/display"
	"github.com/portcullis/portcullis/internal/portcullis/reader"
	"github.com/portcullis/portcullis/internal/portcullis/relay"
)

// ErrNoScanner is returned by Open when no scanner port is configured.
var ErrNoScanner = errors.New("door: no scanner port configured")

type Hardware struct {
	Scanner *device.Line
	// Display is nil when no display port is configured.
	Display *display.Display
	Relay   relay.Relay

	logger  logrus.FieldLogger
	closers []io.Closer
}

// Open opens the serial ports and the relay named in cfg. In dev a relay
// that cannot be opened is replaced by a LogRelay.
func Open(cfg config.Config, c clock.Clock, logger logrus.FieldLogger) (*Hardware, error) {
	if cfg.ScannerPort == "" {
		return nil, ErrNoScanner
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	var closers []io.Closer
	fail := func(err error) (*Hardware, error) {
		for _, cl := range closers {
			_ = cl.Close()
		}
		return nil, err
	}

	scanner, err := device.OpenSerial(cfg.ScannerPort, cfg.ScannerBaud)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, scanner)

	var panel device.Port
	if cfg.DisplayPort != "" {
		panel, err = device.OpenSerial(cfg.DisplayPort, cfg.DisplayBaud)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, panel)
	}

	var r relay.Relay = relay.LogRelay{Logger: logger.WithField("component", "relay"), Clock: c}
	if cfg.RelayChip != "" {
		g, err := relay.OpenGPIO(cfg.RelayChip, cfg.RelayOffset)
		switch {
		case err == nil:
			r = g
			closers = append(closers, g)
		case cfg.Env == "dev":
			logger.WithError(err).Warn("relay unavailable, logging pulses instead")
		default:
			return fail(err)
		}
	}

	h := Assemble(scanner, panel, PanelFor(cfg.DisplayPanel), r, display.Config{Location: loc}, c, logger)
	h.closers = closers
	return h, nil
}

// Assemble wires already-open ports. panel may be nil for a door without a
// display.
func Assemble(scanner, panel device.Port, kind display.Panel, r relay.Relay, dcfg display.Config, c clock.Clock, logger logrus.FieldLogger) *Hardware {
	h := &Hardware{
		Scanner: device.NewLine(scanner),
		Relay:   r,
		logger:  logger,
	}
	if panel != nil {
		h.Display = display.New(device.NewLine(panel), kind, dcfg, c, logger.WithField("component", "display"))
	}
	return h
}

// PanelFor maps a configured panel name to its renderer.
func PanelFor(name string) display.Panel {
	if name == "lcd" {
		return display.LCDPanel{}
	}
	return display.StatusPanel{}
}

// Reader builds the scan loop over the scanner line.
func (h *Hardware) Reader(d reader.Decider, cfg reader.Config) *reader.Reader {
	var disp reader.Display = logDisplay{logger: h.logger}
	if h.Display != nil {
		disp = h.Display
	}
	return reader.New(h.Scanner, h.Scanner, d, h.Relay, disp, cfg, h.logger)
}

// Boot shows the boot code. Without a display it does nothing.
func (h *Hardware) Boot() {
	if h.Display != nil {
		h.Display.Show(display.Message{Code: display.CodeBoot})
	}
}

func (h *Hardware) Close() error {
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close: %w", err))
		}
	}
	return errors.Join(errs...)
}

type logDisplay struct{ logger logrus.FieldLogger }

func (d logDisplay) Show(m display.Message) {
	d.logger.WithField("code", string(m.Code)).Debug("status")
}

// PulseFor returns the configured strike time, or the relay default.
func PulseFor(cfg config.Config) time.Duration {
	if cfg.RelayPulse > 0 {
		return cfg.RelayPulse
	}
	return relay.DefaultPulse
}
