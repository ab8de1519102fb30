// Package protocol defines the fixed-size frame exchanged between relay peers.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"unicode/utf8"
)

// FrameSize is the length of every frame on the wire.
const FrameSize = 32

// ErrInvalidText is returned by Decode when a frame payload is not valid UTF-8.
var ErrInvalidText = errors.New("frame payload is not valid UTF-8")

// Frame is a single zero-padded wire block.
type Frame [FrameSize]byte

// Encode converts text into a frame. Text longer than FrameSize bytes is
// silently truncated; shorter text is right-padded with zero bytes.
func Encode(text string) Frame {
	var f Frame
	copy(f[:], truncate(text))
	return f
}

// Decode returns the leading non-zero run of the frame as text.
// An all-zero frame decodes to the empty string.
func Decode(f Frame) (string, error) {
	payload := f.Payload()
	if !utf8.Valid(payload) {
		return "", fmt.Errorf("failed to decode frame: %w", ErrInvalidText)
	}
	return string(payload), nil
}

// Payload returns the bytes before the first zero byte, or the whole frame
// when it contains none.
func (f *Frame) Payload() []byte {
	if i := bytes.IndexByte(f[:], 0); i >= 0 {
		return f[:i]
	}
	return f[:]
}

// String returns the frame bytes in hex, for logging.
func (f Frame) String() string {
	return fmt.Sprintf("% X", f[:])
}

// truncate cuts text to FrameSize bytes. Valid UTF-8 is cut on a rune
// boundary so the resulting frame always decodes.
func truncate(text string) string {
	if len(text) <= FrameSize {
		return text
	}
	cut := text[:FrameSize]
	if !utf8.ValidString(text) {
		return cut
	}
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}
