//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

// Package he declares the capability surface the match engine needs
// from an external BFV-style homomorphic-encryption library: encode,
// decode, optional encrypt/decrypt, multiply, multiply-plain, add,
// square, relinearize, modulus-switch, and NTT transforms. The core
// programs only against this interface; it never chooses cryptographic
// parameters, only consumes them.
//
// The interface is modeled directly on ot/ot.go's ot.OT interface,
// which plays the same "minimal capability set for an external
// protocol backend" role for oblivious transfer that Evaluator plays
// here for homomorphic encryption.
package he

import (
	"errors"

	"github.com/markkurossi/apsi/felt"
)

// ErrCryptoFailure is returned when the underlying HE library rejects
// a ciphertext: wrong level, wrong NTT form, or a similar structural
// mismatch.
var ErrCryptoFailure = errors.New("he: crypto failure")

// Plaintext is an encoded, batched vector of field elements, one per
// SIMD slot.
type Plaintext interface {
	// Felts returns the plaintext's slot values.
	Felts() []felt.Felt
}

// Ciphertext is an encrypted, batched vector of field elements at a
// given modulus level and NTT form. Level 0 is the lowest (most
// switched-down) level the ciphertext can reach.
type Ciphertext interface {
	Level() int
	IsNTT() bool
}

// Evaluator is the capability set the match engine requires from an
// HE backend. Encrypt/Decrypt are used only by tests and the
// reference implementation's round-trip checks; the sender-side match
// engine itself never decrypts.
type Evaluator interface {
	SlotCount() int

	// Modulus returns the plaintext modulus that Encode/Decode and
	// all ciphertext arithmetic operate over.
	Modulus() felt.Felt

	Encode(values []felt.Felt) (Plaintext, error)
	Decode(p Plaintext) []felt.Felt

	Encrypt(p Plaintext) (Ciphertext, error)
	Decrypt(c Ciphertext) (Plaintext, error)

	Add(a, b Ciphertext) (Ciphertext, error)
	MultiplyPlain(c Ciphertext, p Plaintext) (Ciphertext, error)
	Square(c Ciphertext) (Ciphertext, error)
	Multiply(a, b Ciphertext) (Ciphertext, error)
	Relinearize(c Ciphertext) (Ciphertext, error)
	ModSwitch(c Ciphertext) (Ciphertext, error)
	ToNTT(c Ciphertext) (Ciphertext, error)
	FromNTT(c Ciphertext) (Ciphertext, error)

	// MarshalCiphertext/UnmarshalCiphertext cross the wire boundary: a
	// query engine never interprets ciphertext bytes itself, only asks
	// the evaluator that produced or will consume them to convert.
	MarshalCiphertext(c Ciphertext) ([]byte, error)
	UnmarshalCiphertext(data []byte) (Ciphertext, error)
}
