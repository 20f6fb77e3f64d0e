//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

// Package oprf declares the capability the match engine needs from an
// external oblivious-pseudorandom-function layer: converting raw
// sender inputs into a uniformly random HashedItem and a LabelKey,
// before the match engine sees them. Modeled on the same "minimal
// capability interface" pattern as he.Evaluator and ot/ot.go's ot.OT.
package oprf

import "github.com/markkurossi/apsi/felt"

// OPRF evaluates the oblivious pseudorandom function for one raw
// input, returning the hashed item the match engine indexes on and
// the per-item key used to encrypt/decrypt its label.
type OPRF interface {
	Evaluate(raw []byte) (felt.HashedItem, felt.LabelKey, error)
}
