package nmea

import (
	"golang.org/x/text/encoding/charmap"
)

// typeOffset and typeLen locate the sentence formatter after "$" and the talker ID.
const (
	typeOffset = 3
	typeLen    = 3
)

// Message is one framed sentence including its line-feed terminator. A
// Message is shared between queues after framing and must not be modified.
type Message []byte

// Type returns the sentence type at the fixed formatter offset. Lines shorter
// than six bytes yield a shorter (possibly empty) type.
func (m Message) Type() string {
	return SentenceType(m)
}

// Bytes returns the raw bytes to transmit.
func (m Message) Bytes() []byte {
	return m
}

// String decodes the message as ISO-8859-1 text. Every byte value maps to a
// character, so decoding never fails.
func (m Message) String() string {
	s, err := charmap.ISO8859_1.NewDecoder().Bytes(m)
	if err != nil {
		return string(m)
	}
	return string(s)
}

// SentenceType extracts the sentence type from a raw line.
func SentenceType(line []byte) string {
	if len(line) <= typeOffset {
		return ""
	}
	end := typeOffset + typeLen
	if end > len(line) {
		end = len(line)
	}
	return string(line[typeOffset:end])
}
