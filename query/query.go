//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

// Package query implements the query engine (C8): given a batch of
// encrypted query powers, one ciphertext per bundle index per source
// power, it completes every power a configured PowersDag (C7) names by
// homomorphic squaring/multiplication, evaluates each BinBundle's
// cached matching and interpolation polynomials (C5, via C4) against
// those powers, and streams one ResultPackage per BinBundle back to
// the caller.
package query

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/markkurossi/apsi/apsiproto"
	"github.com/markkurossi/apsi/batchpoly"
	"github.com/markkurossi/apsi/binbundle"
	"github.com/markkurossi/apsi/he"
	"github.com/markkurossi/apsi/powers"
	"github.com/markkurossi/apsi/senderdb"
	"github.com/markkurossi/apsi/wpool"
)

// Engine answers QueryRequests against a SenderDB using a fixed
// PowersDag built once at setup time from the same PSIParams the
// SenderDB was derived from.
type Engine struct {
	db   *senderdb.DB
	enc  he.Evaluator
	dag  *powers.Dag
	pool *wpool.Pool
}

// NewEngine builds a query engine. enc must be the same evaluator
// instance (or an equivalent one sharing key material) the SenderDB
// regenerates its BinBundle caches with; dag's source powers are the
// exact key set every QueryRequest.Powers map must supply.
func NewEngine(db *senderdb.DB, enc he.Evaluator, dag *powers.Dag, pool *wpool.Pool) *Engine {
	return &Engine{db: db, enc: enc, dag: dag, pool: pool}
}

// PackageCount reports the total BinBundle count across every bundle
// index, the package_count a caller must declare in its QueryResponse
// before streaming the ResultPackages Serve produces.
func (e *Engine) PackageCount() uint32 {
	e.db.RLock()
	defer e.db.RUnlock()
	var n uint32
	params := e.db.Params()
	for i := 0; i < params.BundleIdxCount; i++ {
		n += uint32(len(e.db.Buckets(i)))
	}
	return n
}

// Serve evaluates req against every BinBundle in the SenderDB,
// streaming one ResultPackage per BinBundle on out and closing it when
// done, whether or not an error occurs. A malformed or size-mismatched
// request is rejected before any bundle index is processed and before
// anything is sent; a failure discovered while evaluating a bundle
// index aborts the query after whatever ResultPackages had already
// been streamed for other bundle indices.
func (e *Engine) Serve(req apsiproto.QueryRequest, out chan<- apsiproto.ResultPackage) error {
	start := time.Now()
	defer func() {
		metricQueryDuration.Observe(time.Since(start).Seconds())
	}()
	defer close(out)

	e.db.RLock()
	defer e.db.RUnlock()

	params := e.db.Params()
	bundleIdxCount := params.BundleIdxCount

	sourcePowers := e.dag.SourcePowers()
	if len(req.Powers) != len(sourcePowers) {
		return fmt.Errorf("query: request supplies %d powers, want %d source powers",
			len(req.Powers), len(sourcePowers))
	}
	for _, p := range sourcePowers {
		vec, ok := req.Powers[p]
		if !ok {
			return fmt.Errorf("query: request missing source power %d", p)
		}
		if len(vec) != bundleIdxCount {
			return fmt.Errorf("query: power %d carries %d ciphertexts, want bundle_idx_count %d",
				p, len(vec), bundleIdxCount)
		}
	}

	psLowDegree := params.PSI.QueryParams.PSLowDegree
	usePS := psLowDegree > 1

	errs := make([]error, bundleIdxCount)
	var aborted atomic.Bool
	e.pool.Run(bundleIdxCount, func(bundleIdx int) {
		defer func() {
			if errs[bundleIdx] != nil {
				aborted.Store(true)
			}
		}()
		buckets := e.db.Buckets(bundleIdx)
		if len(buckets) == 0 {
			return
		}

		powerBuf := make(map[uint32]he.Ciphertext, len(e.dag.Powers()))
		for _, p := range sourcePowers {
			ct, err := e.enc.UnmarshalCiphertext(req.Powers[p][bundleIdx])
			if err != nil {
				errs[bundleIdx] = fmt.Errorf("query: unmarshal power %d at bundle %d: %w", p, bundleIdx, err)
				return
			}
			powerBuf[p] = ct
		}

		if err := e.completePowers(powerBuf); err != nil {
			errs[bundleIdx] = fmt.Errorf("query: complete powers at bundle %d: %w", bundleIdx, err)
			return
		}

		lowPowers, highPowers, err := e.schedulePowers(powerBuf, usePS, psLowDegree)
		if err != nil {
			errs[bundleIdx] = fmt.Errorf("query: power schedule at bundle %d: %w", bundleIdx, err)
			return
		}

		for _, b := range buckets {
			pkg, err := e.evalBundle(uint32(bundleIdx), b, usePS, psLowDegree, lowPowers, highPowers,
				params.NonceByteCount)
			if err != nil {
				errs[bundleIdx] = err
				return
			}
			if aborted.Load() {
				return
			}
			out <- *pkg
			metricResultPackages.Inc()
		}
	})

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// completePowers runs the PowersDag traversal over powerBuf, which
// must already hold every source power: non-source nodes are produced
// by squaring (when both parents coincide) or multiplying the parent
// powers, then relinearizing. A wpool.Serial pool drives
// ParallelApply's level-by-level dispatch one node at a time, since
// bundle indices are already the unit of concurrency one level up.
func (e *Engine) completePowers(powerBuf map[uint32]he.Ciphertext) error {
	var dagErr error
	e.dag.ParallelApply(wpool.Serial(), func(node powers.Node) {
		if dagErr != nil || node.IsSource {
			return
		}
		a, ok := powerBuf[node.Parents[0]]
		if !ok {
			dagErr = fmt.Errorf("missing parent power %d for %d", node.Parents[0], node.Power)
			return
		}
		b, ok := powerBuf[node.Parents[1]]
		if !ok {
			dagErr = fmt.Errorf("missing parent power %d for %d", node.Parents[1], node.Power)
			return
		}

		var product he.Ciphertext
		var err error
		if node.Parents[0] == node.Parents[1] {
			product, err = e.enc.Square(a)
		} else {
			product, err = e.enc.Multiply(a, b)
		}
		if err != nil {
			dagErr = err
			return
		}
		product, err = e.enc.Relinearize(product)
		if err != nil {
			dagErr = err
			return
		}
		powerBuf[node.Power] = product
	})
	return dagErr
}

// schedulePowers modulus-switches and NTT-transforms every
// materialized power according to the Paterson-Stockmeyer schedule:
// without PS, every power goes to the high-powers level in NTT form
// (ready for EvalDirect); with PS, powers at or below psLowDegree are
// switched down one level and NTT-transformed (ready for EvalPS's low
// powers), the rest are left untouched (ready for EvalPS's high
// powers).
func (e *Engine) schedulePowers(powerBuf map[uint32]he.Ciphertext, usePS bool,
	psLowDegree uint32) (low, high map[uint32]he.Ciphertext, err error) {

	low = make(map[uint32]he.Ciphertext)
	high = make(map[uint32]he.Ciphertext)
	for power, ct := range powerBuf {
		switch {
		case usePS && power <= psLowDegree:
			ct, err = e.enc.ModSwitch(ct)
			if err != nil {
				return nil, nil, err
			}
			ct, err = e.enc.ToNTT(ct)
			if err != nil {
				return nil, nil, err
			}
			low[power] = ct
		case usePS:
			high[power] = ct
		default:
			ct, err = e.enc.ToNTT(ct)
			if err != nil {
				return nil, nil, err
			}
			high[power] = ct
		}
	}
	return low, high, nil
}

// evalBundle evaluates one BinBundle's cached matching and
// interpolation polynomials against the scheduled powers and marshals
// the result into a ResultPackage.
func (e *Engine) evalBundle(bundleIdx uint32, b *binbundle.Bundle, usePS bool, psLowDegree uint32,
	lowPowers, highPowers map[uint32]he.Ciphertext, nonceByteCount int) (*apsiproto.ResultPackage, error) {

	matching, interp, ok := b.Cache()
	if !ok {
		return nil, fmt.Errorf("query: bundle index %d has no ready cache", bundleIdx)
	}

	psiCt, err := e.evalPoly(matching, usePS, psLowDegree, lowPowers, highPowers)
	if err != nil {
		return nil, fmt.Errorf("query: evaluate matching polynomial at bundle %d: %w", bundleIdx, err)
	}
	psiBytes, err := e.enc.MarshalCiphertext(psiCt)
	if err != nil {
		return nil, fmt.Errorf("query: marshal psi result at bundle %d: %w", bundleIdx, err)
	}

	labelResult := make([][]byte, len(interp))
	for k, chunk := range interp {
		labelCt, err := e.evalPoly(chunk, usePS, psLowDegree, lowPowers, highPowers)
		if err != nil {
			return nil, fmt.Errorf("query: evaluate label chunk %d at bundle %d: %w", k, bundleIdx, err)
		}
		labelBytes, err := e.enc.MarshalCiphertext(labelCt)
		if err != nil {
			return nil, fmt.Errorf("query: marshal label chunk %d at bundle %d: %w", k, bundleIdx, err)
		}
		labelResult[k] = labelBytes
	}

	return &apsiproto.ResultPackage{
		BundleIdx:      bundleIdx,
		PSIResult:      psiBytes,
		LabelResult:    labelResult,
		NonceByteCount: uint32(nonceByteCount),
	}, nil
}

func (e *Engine) evalPoly(p *batchpoly.Batched, usePS bool, psLowDegree uint32,
	lowPowers, highPowers map[uint32]he.Ciphertext) (he.Ciphertext, error) {
	if usePS {
		return p.EvalPS(e.enc, lowPowers, highPowers, psLowDegree)
	}
	return p.EvalDirect(e.enc, highPowers)
}
