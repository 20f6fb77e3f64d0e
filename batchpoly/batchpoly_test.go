//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

package batchpoly

import (
	"testing"

	"github.com/markkurossi/apsi/felt"
	"github.com/markkurossi/apsi/he"
	"github.com/markkurossi/apsi/he/refhe"
	"github.com/stretchr/testify/require"
)

// evalPlain evaluates a single-bin polynomial directly in plaintext
// arithmetic, for comparison against the homomorphic evaluators.
func evalPlain(coeffs []felt.Felt, x felt.Felt, modulus felt.Felt) felt.Felt {
	var acc uint64
	var pow uint64 = 1
	for _, c := range coeffs {
		acc = (acc + uint64(c)*pow) % uint64(modulus)
		pow = (pow * uint64(x)) % uint64(modulus)
	}
	return felt.Felt(acc)
}

func buildPowers(e he.Evaluator, x felt.Felt, degree int, slotCount int) (map[uint32]he.Ciphertext, error) {
	out := make(map[uint32]he.Ciphertext, degree)
	var cur uint64 = 1
	for d := 1; d <= degree; d++ {
		cur = (cur * uint64(x)) % uint64(65537)
		slots := make([]felt.Felt, slotCount)
		for i := range slots {
			slots[i] = felt.Felt(cur)
		}
		pt, err := e.Encode(slots)
		if err != nil {
			return nil, err
		}
		ct, err := e.Encrypt(pt)
		if err != nil {
			return nil, err
		}
		nttCt, err := e.ToNTT(ct)
		if err != nil {
			return nil, err
		}
		out[uint32(d)] = nttCt
	}
	return out, nil
}

func TestEvalDirectMatchesPlaintextEvaluation(t *testing.T) {
	const modulus = felt.Felt(65537)
	const slotCount = 1
	const x = felt.Felt(7)
	coeffs := []felt.Felt{3, 5, 2, 1} // 3 + 5x + 2x^2 + x^3

	e := refhe.New(modulus, slotCount, 4)

	bins := [][]felt.Felt{coeffs}
	batched, err := NewBatched(bins, e)
	require.NoError(t, err)

	powers, err := buildPowers(e, x, batched.Degree(), slotCount)
	require.NoError(t, err)

	result, err := batched.EvalDirect(e, powers)
	require.NoError(t, err)

	pt, err := e.Decrypt(result)
	require.NoError(t, err)

	want := evalPlain(coeffs, x, modulus)
	require.Equal(t, want, pt.Felts()[0])
}

func TestEvalPSMatchesEvalDirect(t *testing.T) {
	const modulus = felt.Felt(65537)
	const slotCount = 1
	const x = felt.Felt(11)
	coeffs := []felt.Felt{1, 2, 3, 4, 5, 6, 7, 8, 9} // degree 8

	e := refhe.New(modulus, slotCount, 4)

	bins := [][]felt.Felt{coeffs}
	batched, err := NewBatched(bins, e)
	require.NoError(t, err)

	degree := batched.Degree()
	allPowers, err := buildPowers(e, x, degree, slotCount)
	require.NoError(t, err)

	directResult, err := batched.EvalDirect(e, allPowers)
	require.NoError(t, err)
	directPt, err := e.Decrypt(directResult)
	require.NoError(t, err)

	lowDegree := uint32(2)
	lowPowers := map[uint32]he.Ciphertext{
		1: allPowers[1],
		2: allPowers[2],
	}
	highPowers := map[uint32]he.Ciphertext{
		3: allPowers[3],
		6: allPowers[6],
	}

	psResult, err := batched.EvalPS(e, lowPowers, highPowers, lowDegree)
	require.NoError(t, err)
	psPt, err := e.Decrypt(psResult)
	require.NoError(t, err)

	require.Equal(t, directPt.Felts(), psPt.Felts())

	want := evalPlain(coeffs, x, modulus)
	require.Equal(t, want, psPt.Felts()[0])
}

func TestEvalPSFallsBackToDirectForSmallLowDegree(t *testing.T) {
	const modulus = felt.Felt(65537)
	const slotCount = 1
	const x = felt.Felt(3)
	coeffs := []felt.Felt{1, 1, 1}

	e := refhe.New(modulus, slotCount, 4)
	bins := [][]felt.Felt{coeffs}
	batched, err := NewBatched(bins, e)
	require.NoError(t, err)

	powers, err := buildPowers(e, x, batched.Degree(), slotCount)
	require.NoError(t, err)

	result, err := batched.EvalPS(e, powers, nil, 1)
	require.NoError(t, err)
	pt, err := e.Decrypt(result)
	require.NoError(t, err)

	want := evalPlain(coeffs, x, modulus)
	require.Equal(t, want, pt.Felts()[0])
}
