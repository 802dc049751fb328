package relay

import "github.com/portcullis/portcullis/internal/clock"

func NewGPIORelayForTest(line output, c clock.Clock) *GPIORelay {
	return &GPIORelay{line: line, clock: c}
}
