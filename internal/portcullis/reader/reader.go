// Package reader runs the scanner loop: read a code, decide, then open the
// door or show why not.
package reader

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/portcullis/portcullis/internal/device"
	"github.com/portcullis/portcullis/internal/portcullis/display"
	"github.com/portcullis/portcullis/internal/portcullis/relay"
	"github.com/portcullis/portcullis/internal/portcullis/service"
	"github.com/portcullis/portcullis/internal/portcullis/token"
	"github.com/portcullis/portcullis/internal/portcullis/types"
)

// ErrPortFault means the scanner line failed. The loop cannot recover
// from it; the process should exit and be restarted.
var ErrPortFault = errors.New("reader: scanner port fault")

// Scanner commands (ESC <cmd> CR).
var (
	CmdOKSound    = []byte{0x1B, 0x42, 0x0D}
	CmdOKLED      = []byte{0x1B, 0x4C, 0x0D}
	CmdErrorSound = []byte{0x1B, 0x45, 0x0D}
	CmdErrorLED   = []byte{0x1B, 0x4E, 0x0D}
	CmdTrigger    = []byte{0x1B, 0x5A, 0x0D}
	CmdDetrigger  = []byte{0x1B, 0x59, 0x0D}
)

// Decider admits or refuses a scanned code. Refusals should be
// *service.Error; anything else is shown as an internal error.
type Decider interface {
	Decide(ctx context.Context, req types.ScanRequest) (service.Decision, error)
}

// Display accepts status messages without blocking.
type Display interface {
	Show(m display.Message)
}

type Config struct {
	ReaderID string
	// Pulse is how long the relay is held after a grant.
	Pulse time.Duration
	// MaxLine caps the length of one scan. Longer input is split into
	// several scans.
	MaxLine int
}

type Reader struct {
	in      io.Reader
	out     *device.Line
	decider Decider
	relay   relay.Relay
	display Display
	cfg     Config
	logger  logrus.FieldLogger
}

// New builds a reader that reads scans from in and writes scanner commands
// to out. Both usually wrap the same serial port.
func New(in io.Reader, out *device.Line, d Decider, r relay.Relay, disp Display, cfg Config, logger logrus.FieldLogger) *Reader {
	if cfg.Pulse <= 0 {
		cfg.Pulse = relay.DefaultPulse
	}
	if cfg.MaxLine <= 0 {
		cfg.MaxLine = 1024
	}
	return &Reader{
		in:      in,
		out:     out,
		decider: d,
		relay:   r,
		display: disp,
		cfg:     cfg,
		logger:  logger.WithField("reader_id", cfg.ReaderID),
	}
}

type scan struct {
	text string
	err  error
}

// Run processes scans until ctx ends or the scanner line fails. ctx is
// only observed while waiting for a scan; a scan in progress finishes with
// its effects.
func (r *Reader) Run(ctx context.Context) error {
	scans := make(chan scan)
	stop := make(chan struct{})
	defer close(stop)
	go r.readLines(scans, stop)

	r.logger.Info("reader started")
	for {
		if err := r.out.Send(CmdDetrigger); err != nil {
			return fmt.Errorf("%w: detrigger: %w", ErrPortFault, err)
		}

		var s scan
		select {
		case <-ctx.Done():
			r.logger.Info("reader stopped")
			return nil
		case s = <-scans:
		}
		if s.err != nil {
			return fmt.Errorf("%w: read: %w", ErrPortFault, s.err)
		}

		r.Handle(context.WithoutCancel(ctx), s.text)

		if err := r.out.Send(CmdTrigger); err != nil {
			return fmt.Errorf("%w: trigger: %w", ErrPortFault, err)
		}
	}
}

// readLines splits scanner input on CR or LF and hands non-empty lines to
// the loop. It stops at the first read error.
func (r *Reader) readLines(out chan<- scan, stop <-chan struct{}) {
	sc := bufio.NewScanner(r.in)
	sc.Buffer(make([]byte, 0, 256), r.cfg.MaxLine)
	sc.Split(splitLine(r.cfg.MaxLine))

	for sc.Scan() {
		text := token.TrimLine(sc.Text())
		if strings.TrimSpace(text) == "" {
			continue
		}
		select {
		case out <- scan{text: text}:
		case <-stop:
			return
		}
	}

	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	select {
	case out <- scan{err: err}:
	case <-stop:
	}
}

func splitLine(limit int) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		for i, b := range data {
			if i == limit {
				return limit, data[:limit], nil
			}
			if b == '\r' || b == '\n' {
				return i + 1, data[:i], nil
			}
		}
		if len(data) >= limit || (atEOF && len(data) > 0) {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}

// Handle decides one scanned code and runs its effects. It never fails:
// problems are shown on the display and logged.
func (r *Reader) Handle(ctx context.Context, code string) {
	dec, err := r.decide(ctx, code)
	status := service.DisplayCodeFor(err)

	log := r.logger.WithField("code", string(status))
	if err != nil {
		log = log.WithError(err).WithField("kind", service.KindOf(err).String())
	} else {
		log = log.WithFields(logrus.Fields{
			"subject_id": dec.SubjectID,
			"token_type": dec.Type.String(),
		})
	}

	if effErr := r.runEffects(ctx, r.effects(status, err == nil)); effErr != nil {
		log.WithField("effects_error", effErr.Error()).Warn("scan handled with effect failures")
		return
	}
	log.Info("scan handled")
}

func (r *Reader) decide(ctx context.Context, code string) (dec service.Decision, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &service.Error{Kind: service.KindGenericInternal, Message: fmt.Sprintf("decider panic: %v", p)}
		}
	}()
	return r.decider.Decide(ctx, types.ScanRequest{ReaderID: r.cfg.ReaderID, Code: code})
}

type effect struct {
	name string
	run  func(ctx context.Context) error
}

func (r *Reader) effects(status byte, granted bool) []effect {
	show := effect{"display", func(context.Context) error {
		r.display.Show(display.Message{Code: status})
		return nil
	}}

	if !granted {
		return []effect{
			show,
			{"scanner", func(context.Context) error { return r.out.Send(CmdErrorSound, CmdErrorLED) }},
		}
	}
	return []effect{
		{"relay", func(ctx context.Context) error { return r.relay.Pulse(ctx, r.cfg.Pulse) }},
		show,
		{"scanner", func(context.Context) error { return r.out.Send(CmdOKSound, CmdOKLED) }},
	}
}

// runEffects starts every effect and waits for all of them. A failing or
// panicking effect does not stop the others.
func (r *Reader) runEffects(ctx context.Context, effects []effect) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, e := range effects {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("%s: panic: %v", e.name, p))
					mu.Unlock()
				}
			}()
			if err := e.run(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
