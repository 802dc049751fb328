package display

import (
	"strings"
	"time"

	"github.com/portcullis/portcullis/internal/device"
)

const (
	IdleDay   byte = '.'
	IdleNight byte = ','
)

// StatusPanel sends the single status byte to a panel that draws its own
// screens.
type StatusPanel struct{}

func (StatusPanel) Clear(*device.Line) error { return nil }

func (StatusPanel) Show(l *device.Line, m Message) error {
	return l.Send([]byte{m.Code})
}

func (StatusPanel) Idle(l *device.Line, _ time.Time, night bool) error {
	if night {
		return l.Send([]byte{IdleNight})
	}
	return l.Send([]byte{IdleDay})
}

// Text returns the heading and body a text panel shows for code.
func Text(code byte) (string, string) {
	if t, ok := texts[code]; ok {
		return t[0], t[1]
	}
	return "ERROR", "SYSTEM ERROR"
}

var texts = map[byte][2]string{
	'K': {"OK", "ACCESS GRANTED"},
	'B': {"BOOT", "STARTING UP"},
	'Q': {"ERROR", "ERROR IN YOUR QR CODE"},
	'S': {"ERROR", "WRONG SIGNATURE IN QR CODE"},
	'X': {"ERROR", "YOUR QR CODE IS EXPIRED"},
	'C': {"ERROR", "MEMBERSHIP CANCELED"},
	'F': {"ERROR", "DAYTICKET NOT FOUND"},
	'D': {"ERROR", "YOUR DAYTICKET IS EXPIRED"},
	'O': {"ERROR", "TICKET NOT VALID"},
	'M': {"ERROR", "OUTSIDE OFFPEAK HOURS"},
	'T': {"ERROR", "WRONG PASS CODE"},
	'R': {"ERROR", "ALREADY USED"},
	'E': {"ERROR", "SYSTEM ERROR"},
}

// LCD command bytes (Matrix Orbital compatible).
var (
	lcdClear = []byte{0xFE, 0x58}
)

func lcdCursor(col, row byte) []byte { return []byte{0xFE, 0x47, col, row} }

const (
	lcdReady = "READY TO SCAN"
	lcdSleep = "zzz"
)

// LCDPanel renders text on a two-line character LCD.
type LCDPanel struct {
	// Width is the number of columns. Defaults to 20.
	Width int
}

func (p LCDPanel) width() int {
	if p.Width <= 0 {
		return 20
	}
	return p.Width
}

func (p LCDPanel) Clear(l *device.Line) error {
	return l.Send(lcdClear)
}

func (p LCDPanel) Show(l *device.Line, m Message) error {
	line1, line2 := m.Line1, m.Line2
	if line1 == "" && line2 == "" {
		line1, line2 = Text(m.Code)
	}
	chunks := [][]byte{lcdCursor(1, 1), []byte(p.fit(line1))}
	if line2 != "" {
		chunks = append(chunks, lcdCursor(1, 2), []byte(p.fit(line2)))
	}
	return l.Send(chunks...)
}

// Idle moves the idle text around with the minute so the same pixels
// are not lit all day.
func (p LCDPanel) Idle(l *device.Line, now time.Time, night bool) error {
	text := lcdReady
	if night {
		text = lcdSleep
	}
	room := p.width() - len(text) + 1
	if room < 1 {
		room = 1
	}
	col := byte(1 + now.Minute()%room)
	row := byte(1 + now.Minute()%2)
	return l.Send(lcdCursor(col, row), []byte(text))
}

func (p LCDPanel) fit(s string) string {
	s = strings.ToUpper(s)
	if len(s) > p.width() {
		return s[:p.width()]
	}
	return s
}
