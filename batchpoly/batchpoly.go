//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

// Package batchpoly implements the batched plaintext polynomial (C4):
// a vector of per-bin polynomial coefficients, one slot per bin,
// column-batched into NTT-form plaintexts and evaluated homomorphically
// against a map of ciphertext powers, either directly or with a
// Paterson-Stockmeyer power schedule. The packed, column-wise
// discipline mirrors vole.Sender.Mul's per-slot modular arithmetic over
// a vector of inputs (rs[i], ys[i], ui computed slot by slot and only
// then folded into one outgoing message), applied here to
// ciphertext-plaintext products instead of big.Int products.
package batchpoly

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/markkurossi/apsi/felt"
	"github.com/markkurossi/apsi/he"
)

// Batched is a vector of per-degree plaintexts: Coeffs[d] holds, in
// its slot b, the degree-d coefficient of bin b's polynomial.
type Batched struct {
	Coeffs []he.Plaintext // Coeffs[0] is the constant term
}

// Degree returns the highest coefficient index, i.e. len(Coeffs)-1.
func (b *Batched) Degree() int {
	return len(b.Coeffs) - 1
}

// NewBatched column-batches bins, a slice of per-bin coefficient
// columns (bins[s][d] is bin s's degree-d coefficient, zero-padded to
// a common degree by the caller), into one NTT-form plaintext per
// degree using enc.
func NewBatched(bins [][]felt.Felt, enc he.Evaluator) (*Batched, error) {
	if len(bins) == 0 {
		return &Batched{}, nil
	}
	degree := len(bins[0]) - 1
	for _, col := range bins {
		if len(col)-1 != degree {
			return nil, fmt.Errorf("batchpoly: inconsistent per-bin degree %d != %d",
				len(col)-1, degree)
		}
	}

	coeffs := make([]he.Plaintext, degree+1)
	for d := 0; d <= degree; d++ {
		slots := make([]felt.Felt, len(bins))
		for s, col := range bins {
			slots[s] = col[d]
		}
		pt, err := enc.Encode(slots)
		if err != nil {
			return nil, fmt.Errorf("batchpoly: encode degree %d: %w", d, err)
		}
		coeffs[d] = pt
	}
	return &Batched{Coeffs: coeffs}, nil
}

// Save writes the batched plaintext as a degree count followed by one
// slot-count-prefixed felt vector per degree, field-by-field the way
// cuckoo.Filter.Save (cuckoo/io.go) writes its own header and bucket
// array. Each degree's slots are exactly the values enc.Encode saw, per
// he.Plaintext.Felts, so Load can reconstruct an identical he.Plaintext
// by re-encoding them with the same evaluator.
func (b *Batched) Save(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(b.Coeffs))); err != nil {
		return fmt.Errorf("batchpoly: save degree count: %w", err)
	}
	for d, pt := range b.Coeffs {
		slots := pt.Felts()
		if err := binary.Write(w, binary.BigEndian, uint32(len(slots))); err != nil {
			return fmt.Errorf("batchpoly: save degree %d slot count: %w", d, err)
		}
		for _, v := range slots {
			if err := binary.Write(w, binary.BigEndian, uint64(v)); err != nil {
				return fmt.Errorf("batchpoly: save degree %d: %w", d, err)
			}
		}
	}
	return nil
}

// Load reads a Batched previously written by Save, re-encoding each
// degree's slot vector through enc so the resulting he.Plaintext is the
// same concrete type enc produces elsewhere (e.g. refhe.Plaintext, not a
// bare felt slice).
func Load(r io.Reader, enc he.Evaluator) (*Batched, error) {
	var degreeCount uint32
	if err := binary.Read(r, binary.BigEndian, &degreeCount); err != nil {
		return nil, fmt.Errorf("batchpoly: load degree count: %w", err)
	}
	coeffs := make([]he.Plaintext, degreeCount)
	for d := range coeffs {
		var slotCount uint32
		if err := binary.Read(r, binary.BigEndian, &slotCount); err != nil {
			return nil, fmt.Errorf("batchpoly: load degree %d slot count: %w", d, err)
		}
		slots := make([]felt.Felt, slotCount)
		for i := range slots {
			var v uint64
			if err := binary.Read(r, binary.BigEndian, &v); err != nil {
				return nil, fmt.Errorf("batchpoly: load degree %d: %w", d, err)
			}
			slots[i] = felt.Felt(v)
		}
		pt, err := enc.Encode(slots)
		if err != nil {
			return nil, fmt.Errorf("batchpoly: re-encode degree %d: %w", d, err)
		}
		coeffs[d] = pt
	}
	return &Batched{Coeffs: coeffs}, nil
}

// EvalDirect evaluates the batched polynomial on ciphertext powers
// C^1..C^D, all expected at the high-powers level in NTT form, via
// Horner-less direct accumulation: R <- c0 + sum_{d=1..D} coeffs[d]*C^d.
func (b *Batched) EvalDirect(enc he.Evaluator, powers map[uint32]he.Ciphertext) (he.Ciphertext, error) {
	degree := b.Degree()
	if degree < 0 {
		return nil, fmt.Errorf("batchpoly: empty batched polynomial")
	}

	result, err := enc.Encrypt(b.Coeffs[0])
	if err != nil {
		return nil, fmt.Errorf("batchpoly: encode constant term: %w", err)
	}
	result, err = enc.ToNTT(result)
	if err != nil {
		return nil, fmt.Errorf("batchpoly: constant term to NTT: %w", err)
	}

	for d := 1; d <= degree; d++ {
		c, ok := powers[uint32(d)]
		if !ok {
			return nil, fmt.Errorf("batchpoly: missing ciphertext power %d", d)
		}
		term, err := enc.MultiplyPlain(c, b.Coeffs[d])
		if err != nil {
			return nil, fmt.Errorf("batchpoly: multiply_plain degree %d: %w", d, err)
		}
		result, err = enc.Add(result, term)
		if err != nil {
			return nil, fmt.Errorf("batchpoly: add degree %d: %w", d, err)
		}
	}

	return enc.FromNTT(result)
}

// EvalPS evaluates the batched polynomial using a Paterson-Stockmeyer
// schedule parametrized by lowDegree (l): the polynomial is written as
// sum_{i=0..h} Q_i(x) * x^((l+1)*i), where each Q_i has degree <= l (the
// last Q_h may be shorter). lowPowers supplies C^1..C^l (NTT form, low
// powers level); highPowers supplies the multiples of l+1 up to the
// polynomial's degree (high powers level, not NTT form). EvalPS falls
// back to EvalDirect when lowDegree is 0 or 1, or when lowDegree is at
// least the polynomial's degree, matching the direct path's cost in
// those regimes.
func (b *Batched) EvalPS(enc he.Evaluator, lowPowers, highPowers map[uint32]he.Ciphertext,
	lowDegree uint32) (he.Ciphertext, error) {

	degree := b.Degree()
	if degree < 0 {
		return nil, fmt.Errorf("batchpoly: empty batched polynomial")
	}
	if lowDegree == 0 || lowDegree == 1 || int(lowDegree) >= degree {
		merged := make(map[uint32]he.Ciphertext, len(lowPowers)+len(highPowers))
		for k, v := range lowPowers {
			merged[k] = v
		}
		for k, v := range highPowers {
			merged[k] = v
		}
		return b.EvalDirect(enc, merged)
	}

	l := int(lowDegree)
	numChunks := degree/(l+1) + 1

	highPower := uint32(l + 1)
	var stepPower he.Ciphertext
	if numChunks > 1 {
		c, ok := highPowers[highPower]
		if !ok {
			return nil, fmt.Errorf("batchpoly: missing high power %d", highPower)
		}
		stepPower = c
	}

	// Evaluate each inner polynomial Q_i on the low powers, low chunk
	// index first, then fold them together with Horner's rule in
	// x^(l+1): result = Q_h; result = result*x^(l+1) + Q_i for i
	// descending, so the running result only ever holds one
	// ciphertext-ciphertext product per fold.
	chunks := make([]he.Ciphertext, numChunks)
	for i := 0; i < numChunks; i++ {
		lo := i * (l + 1)
		hi := lo + l
		if hi > degree {
			hi = degree
		}

		chunk, err := enc.Encrypt(b.Coeffs[lo])
		if err != nil {
			return nil, fmt.Errorf("batchpoly: encode chunk %d constant: %w", i, err)
		}
		chunk, err = enc.ToNTT(chunk)
		if err != nil {
			return nil, fmt.Errorf("batchpoly: chunk %d constant to NTT: %w", i, err)
		}
		for d := lo + 1; d <= hi; d++ {
			c, ok := lowPowers[uint32(d-lo)]
			if !ok {
				return nil, fmt.Errorf("batchpoly: missing low power %d", d-lo)
			}
			term, err := enc.MultiplyPlain(c, b.Coeffs[d])
			if err != nil {
				return nil, fmt.Errorf("batchpoly: multiply_plain chunk %d degree %d: %w", i, d, err)
			}
			chunk, err = enc.Add(chunk, term)
			if err != nil {
				return nil, fmt.Errorf("batchpoly: add chunk %d degree %d: %w", i, d, err)
			}
		}
		chunk, err = enc.FromNTT(chunk)
		if err != nil {
			return nil, fmt.Errorf("batchpoly: chunk %d from NTT: %w", i, err)
		}
		chunks[i] = chunk
	}

	result := chunks[numChunks-1]
	for i := numChunks - 2; i >= 0; i-- {
		var err error
		result, err = enc.Multiply(result, stepPower)
		if err != nil {
			return nil, fmt.Errorf("batchpoly: fold chunk %d: %w", i, err)
		}
		result, err = enc.Relinearize(result)
		if err != nil {
			return nil, fmt.Errorf("batchpoly: relinearize fold %d: %w", i, err)
		}
		result, err = enc.Add(result, chunks[i])
		if err != nil {
			return nil, fmt.Errorf("batchpoly: add chunk %d: %w", i, err)
		}
	}

	return result, nil
}
