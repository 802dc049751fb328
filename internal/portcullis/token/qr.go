package token

import (
	"bytes"
	"fmt"
	"image/png"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"
)

// RenderQR encodes payload as a size×size PNG QR code. Access tokens use
// only Base45 symbols, so alphanumeric mode applies; anything else falls
// back to automatic mode selection.
func RenderQR(payload string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}

	mode := qr.AlphaNumeric
	if !isBase45Text(payload) {
		mode = qr.Auto
	}

	code, err := qr.Encode(payload, qr.M, mode)
	if err != nil {
		return nil, fmt.Errorf("qr encode: %w", err)
	}
	code, err = barcode.Scale(code, size, size)
	if err != nil {
		return nil, fmt.Errorf("qr scale: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, code); err != nil {
		return nil, fmt.Errorf("qr png: %w", err)
	}
	return buf.Bytes(), nil
}

func isBase45Text(s string) bool {
	for i := 0; i < len(s); i++ {
		if base45Index[s[i]] < 0 {
			return false
		}
	}
	return true
}
