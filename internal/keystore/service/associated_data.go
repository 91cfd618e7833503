package service

import (
	"encoding/binary"
)

// AssociatedData builds canonical AEAD associated data from a domain label and parts.
//
// Every element is written as a 4-byte big-endian length followed by its bytes, so two
// different part lists never encode to the same byte string ("ab","c" vs "a","bc").
func AssociatedData(label string, parts ...string) []byte {
	size := 4 + len(label)
	for _, p := range parts {
		size += 4 + len(p)
	}

	buf := make([]byte, 0, size)
	buf = appendLengthPrefixed(buf, label)
	for _, p := range parts {
		buf = appendLengthPrefixed(buf, p)
	}
	return buf
}

func appendLengthPrefixed(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s))) //nolint:gosec // parts are short identifiers
	return append(buf, s...)
}
