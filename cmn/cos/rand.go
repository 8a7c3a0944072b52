// Package cos provides common low-level types and utilities for all aistore projects
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"crypto/rand"
	"io"
	"unsafe"
)

// LetterRunes is the alphabet used by GenBEID to render a uint64 as a
// short, filesystem- and socket-name-safe string.
const LetterRunes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const (
	LenRunes      = len(LetterRunes)
	letterIdxBits = 6 // 6 bits index the 62-entry alphabet above; GenBEID folds 62 and 63 back into it
	letterIdxMask = 1<<letterIdxBits - 1
)

// UnsafeS casts a byte slice to a string without copying. The caller must
// not mutate b afterwards.
func UnsafeS(b []byte) string { return *(*string)(unsafe.Pointer(&b)) }

// UnsafeB casts a string to a byte slice without copying. The returned
// slice must not be mutated.
func UnsafeB(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

// CryptoRandS returns a random alphanumeric string of length n, drawn from
// crypto/rand (used for daemon/session IDs, not for wire-protocol nonces).
func CryptoRandS(n int) string {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic(err) // entropy source failure is unrecoverable here
	}
	for i, v := range b {
		b[i] = LetterRunes[int(v)%LenRunes]
	}
	return string(b)
}

// Plural returns "s" when n != 1, for simple pluralization in messages.
func Plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
