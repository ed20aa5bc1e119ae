package workflow

import (
	"crypto/rand"
	"io"
)

const (
	CodeLength   = 16
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	// largest multiple of len(codeAlphabet) that fits in a byte
	codeCutoff = 256 - 256%len(codeAlphabet)
)

// NewCode returns a uniformly random alphanumeric one-time code.
func NewCode() (string, error) {
	return newCodeFrom(rand.Reader)
}

func newCodeFrom(r io.Reader) (string, error) {
	out := make([]byte, 0, CodeLength)
	buf := make([]byte, CodeLength*2)
	for len(out) < CodeLength {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= codeCutoff {
				continue
			}
			out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(out) == CodeLength {
				break
			}
		}
	}
	return string(out), nil
}
