//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

// Package refhe is a software-only, non-secure reference
// implementation of he.Evaluator. Plaintexts and "ciphertexts" both
// carry their slot values in the clear; the package exists purely so
// the match engine's polynomial-evaluation algorithms (batchpoly,
// binbundle, query) are exercised end-to-end by tests without a
// production BFV library, the same role the real (if toy-keyed)
// ot.OT implementations play for their own protocol tests rather
// than a mock.
package refhe

import (
	"encoding/binary"
	"fmt"

	"github.com/markkurossi/apsi/felt"
	"github.com/markkurossi/apsi/he"
)

// Plaintext is a plain slot vector.
type Plaintext struct {
	values []felt.Felt
}

// Felts implements he.Plaintext.
func (p Plaintext) Felts() []felt.Felt { return p.values }

// Ciphertext carries its slot values in the clear, plus the level and
// NTT-form bookkeeping that real ciphertexts carry, so evaluator
// methods can enforce the same structural preconditions a production
// BFV backend would.
type Ciphertext struct {
	values []felt.Felt
	level  int
	ntt    bool
}

// Level implements he.Ciphertext.
func (c Ciphertext) Level() int { return c.level }

// IsNTT implements he.Ciphertext.
func (c Ciphertext) IsNTT() bool { return c.ntt }

// Evaluator is a reference he.Evaluator over Z_modulus.
type Evaluator struct {
	modulus   felt.Felt
	slotCount int
	maxLevel  int
}

var _ he.Evaluator = (*Evaluator)(nil)

// New creates a reference evaluator with the given plaintext modulus,
// SIMD slot count, and number of modulus-switch levels: the
// high-powers level is maxLevel, the low-powers level is maxLevel-1,
// since low-power ciphertexts live one modulus level above high-power
// ciphertexts.
func New(modulus felt.Felt, slotCount, maxLevel int) *Evaluator {
	return &Evaluator{modulus: modulus, slotCount: slotCount, maxLevel: maxLevel}
}

// MaxLevel returns the top (freshly encrypted) modulus level.
func (e *Evaluator) MaxLevel() int { return e.maxLevel }

// SlotCount implements he.Evaluator.
func (e *Evaluator) SlotCount() int { return e.slotCount }

// Modulus implements he.Evaluator.
func (e *Evaluator) Modulus() felt.Felt { return e.modulus }

func (e *Evaluator) reduce(v felt.Felt) felt.Felt {
	return felt.Felt(uint64(v) % uint64(e.modulus))
}

// Encode implements he.Evaluator, zero-padding or rejecting
// oversized input.
func (e *Evaluator) Encode(values []felt.Felt) (he.Plaintext, error) {
	if len(values) > e.slotCount {
		return nil, fmt.Errorf("refhe: %d values exceed %d slots", len(values), e.slotCount)
	}
	out := make([]felt.Felt, e.slotCount)
	for i, v := range values {
		out[i] = e.reduce(v)
	}
	return Plaintext{values: out}, nil
}

// Decode implements he.Evaluator.
func (e *Evaluator) Decode(p he.Plaintext) []felt.Felt {
	return p.Felts()
}

// Encrypt implements he.Evaluator: a fresh ciphertext starts at the
// top modulus level, not in NTT form.
func (e *Evaluator) Encrypt(p he.Plaintext) (he.Ciphertext, error) {
	values := make([]felt.Felt, e.slotCount)
	copy(values, p.Felts())
	return Ciphertext{values: values, level: e.maxLevel, ntt: false}, nil
}

// Decrypt implements he.Evaluator.
func (e *Evaluator) Decrypt(c he.Ciphertext) (he.Plaintext, error) {
	ct, ok := c.(Ciphertext)
	if !ok {
		return nil, fmt.Errorf("%w: foreign ciphertext type %T", he.ErrCryptoFailure, c)
	}
	values := make([]felt.Felt, len(ct.values))
	copy(values, ct.values)
	return Plaintext{values: values}, nil
}

func (e *Evaluator) asCiphertext(c he.Ciphertext) (Ciphertext, error) {
	ct, ok := c.(Ciphertext)
	if !ok {
		return Ciphertext{}, fmt.Errorf("%w: foreign ciphertext type %T", he.ErrCryptoFailure, c)
	}
	return ct, nil
}

// Add implements he.Evaluator; both operands must be at the same
// level.
func (e *Evaluator) Add(a, b he.Ciphertext) (he.Ciphertext, error) {
	ca, err := e.asCiphertext(a)
	if err != nil {
		return nil, err
	}
	cb, err := e.asCiphertext(b)
	if err != nil {
		return nil, err
	}
	if ca.level != cb.level {
		return nil, fmt.Errorf("%w: add level mismatch %d != %d",
			he.ErrCryptoFailure, ca.level, cb.level)
	}
	out := make([]felt.Felt, e.slotCount)
	for i := range out {
		out[i] = e.reduce(ca.values[i] + cb.values[i])
	}
	return Ciphertext{values: out, level: ca.level, ntt: ca.ntt}, nil
}

// MultiplyPlain implements he.Evaluator. The ciphertext must be in
// NTT form, matching the batched plaintext coefficients' NTT form.
func (e *Evaluator) MultiplyPlain(c he.Ciphertext, p he.Plaintext) (he.Ciphertext, error) {
	ct, err := e.asCiphertext(c)
	if err != nil {
		return nil, err
	}
	if !ct.ntt {
		return nil, fmt.Errorf("%w: multiply_plain requires an NTT-form ciphertext",
			he.ErrCryptoFailure)
	}
	pv := p.Felts()
	out := make([]felt.Felt, e.slotCount)
	for i := range out {
		out[i] = e.reduce(felt.Felt(uint64(ct.values[i]) * uint64(pv[i]) % uint64(e.modulus)))
	}
	return Ciphertext{values: out, level: ct.level, ntt: true}, nil
}

// Square implements he.Evaluator.
func (e *Evaluator) Square(c he.Ciphertext) (he.Ciphertext, error) {
	ct, err := e.asCiphertext(c)
	if err != nil {
		return nil, err
	}
	out := make([]felt.Felt, e.slotCount)
	for i := range out {
		out[i] = e.reduce(felt.Felt(uint64(ct.values[i]) * uint64(ct.values[i]) % uint64(e.modulus)))
	}
	return Ciphertext{values: out, level: ct.level, ntt: false}, nil
}

// Multiply implements he.Evaluator.
func (e *Evaluator) Multiply(a, b he.Ciphertext) (he.Ciphertext, error) {
	ca, err := e.asCiphertext(a)
	if err != nil {
		return nil, err
	}
	cb, err := e.asCiphertext(b)
	if err != nil {
		return nil, err
	}
	if ca.level != cb.level {
		return nil, fmt.Errorf("%w: multiply level mismatch %d != %d",
			he.ErrCryptoFailure, ca.level, cb.level)
	}
	out := make([]felt.Felt, e.slotCount)
	for i := range out {
		out[i] = e.reduce(felt.Felt(uint64(ca.values[i]) * uint64(cb.values[i]) % uint64(e.modulus)))
	}
	return Ciphertext{values: out, level: ca.level, ntt: false}, nil
}

// Relinearize implements he.Evaluator. In a real BFV backend this
// shrinks a degree-2 ciphertext back to degree 1 using relin keys; in
// this reference implementation the representation never grows, so
// it is a structural no-op.
func (e *Evaluator) Relinearize(c he.Ciphertext) (he.Ciphertext, error) {
	ct, err := e.asCiphertext(c)
	if err != nil {
		return nil, err
	}
	return ct, nil
}

// ModSwitch implements he.Evaluator, dropping one modulus level.
func (e *Evaluator) ModSwitch(c he.Ciphertext) (he.Ciphertext, error) {
	ct, err := e.asCiphertext(c)
	if err != nil {
		return nil, err
	}
	if ct.level == 0 {
		return nil, fmt.Errorf("%w: cannot mod-switch below level 0", he.ErrCryptoFailure)
	}
	ct.level--
	return ct, nil
}

// ToNTT implements he.Evaluator.
func (e *Evaluator) ToNTT(c he.Ciphertext) (he.Ciphertext, error) {
	ct, err := e.asCiphertext(c)
	if err != nil {
		return nil, err
	}
	ct.ntt = true
	return ct, nil
}

// FromNTT implements he.Evaluator.
func (e *Evaluator) FromNTT(c he.Ciphertext) (he.Ciphertext, error) {
	ct, err := e.asCiphertext(c)
	if err != nil {
		return nil, err
	}
	ct.ntt = false
	return ct, nil
}

// MarshalCiphertext implements he.Evaluator: a flat field list (slot
// count, level, NTT flag, then one uint64 per slot), the same
// flat-field style circuit/marshal.go uses for wire structures.
func (e *Evaluator) MarshalCiphertext(c he.Ciphertext) ([]byte, error) {
	ct, err := e.asCiphertext(c)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 4+4+1+8*len(ct.values))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(ct.values)))
	binary.BigEndian.PutUint32(buf[4:8], uint32(ct.level))
	if ct.ntt {
		buf[8] = 1
	}
	off := 9
	for _, v := range ct.values {
		binary.BigEndian.PutUint64(buf[off:off+8], uint64(v))
		off += 8
	}
	return buf, nil
}

// UnmarshalCiphertext implements he.Evaluator, the inverse of
// MarshalCiphertext.
func (e *Evaluator) UnmarshalCiphertext(data []byte) (he.Ciphertext, error) {
	if len(data) < 9 {
		return nil, fmt.Errorf("%w: ciphertext blob too short", he.ErrCryptoFailure)
	}
	n := binary.BigEndian.Uint32(data[0:4])
	level := int(int32(binary.BigEndian.Uint32(data[4:8])))
	ntt := data[8] != 0
	want := 9 + 8*int(n)
	if len(data) != want {
		return nil, fmt.Errorf("%w: ciphertext blob length %d, want %d",
			he.ErrCryptoFailure, len(data), want)
	}
	values := make([]felt.Felt, n)
	off := 9
	for i := range values {
		values[i] = felt.Felt(binary.BigEndian.Uint64(data[off : off+8]))
		off += 8
	}
	return Ciphertext{values: values, level: level, ntt: ntt}, nil
}
