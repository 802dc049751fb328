package token

import (
	"errors"
	"strings"
)

// base45Alphabet is the RFC 9285 alphabet. Every symbol is in the QR
// alphanumeric set, so encoded tokens fit the densest QR mode.
const base45Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ $%*+-./:"

var errBase45 = errors.New("invalid base45 input")

var base45Index = func() [256]int8 {
	var idx [256]int8
	for i := range idx {
		idx[i] = -1
	}
	for i := 0; i < len(base45Alphabet); i++ {
		idx[base45Alphabet[i]] = int8(i)
	}
	return idx
}()

// base45EncodedLen is the length of the Base45 text for n input bytes.
func base45EncodedLen(n int) int {
	return (n/2)*3 + (n%2)*2
}

func base45Encode(src []byte) string {
	var b strings.Builder
	b.Grow(base45EncodedLen(len(src)))

	for i := 0; i+1 < len(src); i += 2 {
		n := int(src[i])<<8 | int(src[i+1])
		b.WriteByte(base45Alphabet[n%45])
		b.WriteByte(base45Alphabet[(n/45)%45])
		b.WriteByte(base45Alphabet[n/2025])
	}
	if len(src)%2 == 1 {
		n := int(src[len(src)-1])
		b.WriteByte(base45Alphabet[n%45])
		b.WriteByte(base45Alphabet[n/45])
	}
	return b.String()
}

func base45Decode(s string) ([]byte, error) {
	if len(s)%3 == 1 {
		return nil, errBase45
	}

	out := make([]byte, 0, len(s)/3*2+1)
	for i := 0; i < len(s); i += 3 {
		rest := len(s) - i
		if rest >= 3 {
			c, d, e := base45Index[s[i]], base45Index[s[i+1]], base45Index[s[i+2]]
			if c < 0 || d < 0 || e < 0 {
				return nil, errBase45
			}
			n := int(c) + int(d)*45 + int(e)*2025
			if n > 0xFFFF {
				return nil, errBase45
			}
			out = append(out, byte(n>>8), byte(n))
			continue
		}

		c, d := base45Index[s[i]], base45Index[s[i+1]]
		if c < 0 || d < 0 {
			return nil, errBase45
		}
		n := int(c) + int(d)*45
		if n > 0xFF {
			return nil, errBase45
		}
		out = append(out, byte(n))
	}
	return out, nil
}
