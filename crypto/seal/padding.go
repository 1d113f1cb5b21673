package seal

import (
	"bytes"
	"crypto/subtle"
	"errors"
)

var errBadPadding = errors.New("invalid padding")

// pad applies PKCS#7, always adding at least one byte
func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	out := make([]byte, len(b), len(b)+n)
	copy(out, b)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, errBadPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size {
		return nil, errBadPadding
	}
	ok := 1
	for _, c := range b[len(b)-n:] {
		ok &= subtle.ConstantTimeByteEq(c, byte(n))
	}
	if ok != 1 {
		return nil, errBadPadding
	}
	return b[:len(b)-n], nil
}
