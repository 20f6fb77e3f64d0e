//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

// Package binbundle implements the BinBundle (C5): a fixed-width slab
// of bins, each holding a small set of distinct item felts (plus,
// for a labeled SenderDB, an aligned row of label felts) and an
// approximate-membership cuckoo filter, together with a lazily
// regenerated cache of the batched matching and interpolation
// polynomials the query engine evaluates homomorphically.
//
// Bundle uses sync.Mutex for a single-owner-during-worker-slice
// discipline: a SenderDB partitions its bundles by index and hands
// each partition to one worker goroutine at a time, the same
// exclusively-owned-mutable-state pattern gmw.Network and p2p.Conn use
// for their own per-connection state.
package binbundle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/markkurossi/apsi/batchpoly"
	"github.com/markkurossi/apsi/cuckoo"
	"github.com/markkurossi/apsi/felt"
	"github.com/markkurossi/apsi/he"
)

// ErrItemExists is returned by MultiInsert when an entry's item felt
// is already present in its target bin.
var ErrItemExists = errors.New("binbundle: item already present in bin")

// ErrBinFull is returned by MultiInsert when an insertion would push a
// bin past its configured maximum size.
var ErrBinFull = errors.New("binbundle: bin is full")

// ErrStripped is returned by any operation that mutates or reads raw
// item/label state on a Bundle that has already been stripped.
var ErrStripped = errors.New("binbundle: bundle has been stripped")

// Entry is one felt column's worth of data for a multi-bin operation:
// the item felt destined for one bin, plus (for a labeled bundle) the
// label felt row aligned with it.
type Entry struct {
	Item  felt.Felt
	Label []felt.Felt
}

type bin struct {
	items  []felt.Felt
	labels [][]felt.Felt
}

type cacheState int

const (
	cacheDirty cacheState = iota
	cacheReady
)

// cache holds the batched NTT-form plaintext coefficients produced by
// RegenCache: one matching polynomial and, for a labeled bundle, one
// interpolation polynomial per label chunk.
type cache struct {
	matching *batchpoly.Batched
	interp   []*batchpoly.Batched
}

// Bundle is one fixed-width slab of bins within a SenderDB bucket.
type Bundle struct {
	mu         sync.Mutex // single owner during a worker's partition slice
	bundleIdx  uint32
	numBins    int
	maxBinSize int
	labelSize  int // 0 for an unlabeled SenderDB

	bins    []bin // nil once stripped
	filters []*cuckoo.Filter

	state cacheState
	cache *cache

	stripped bool
}

// New creates an empty Bundle with numBins bins, each tracking up to
// maxBinSize distinct items. labelSize is the number of label felts
// per item, or 0 for an unlabeled bundle.
func New(bundleIdx uint32, numBins, maxBinSize, labelSize int,
	bitsPerTag int, bucketCount uint32, maxCuckooKicks int) (*Bundle, error) {

	bins := make([]bin, numBins)
	filters := make([]*cuckoo.Filter, numBins)
	for i := range filters {
		f, err := cuckoo.New(bitsPerTag, bucketCount, maxCuckooKicks)
		if err != nil {
			return nil, fmt.Errorf("binbundle: filter %d: %w", i, err)
		}
		filters[i] = f
	}
	return &Bundle{
		bundleIdx:  bundleIdx,
		numBins:    numBins,
		maxBinSize: maxBinSize,
		labelSize:  labelSize,
		bins:       bins,
		filters:    filters,
		state:      cacheDirty,
	}, nil
}

// BundleIdx returns the bundle's index within its SenderDB bucket.
func (b *Bundle) BundleIdx() uint32 { return b.bundleIdx }

// Stripped reports whether Strip has been called on this bundle.
func (b *Bundle) Stripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stripped
}

// CacheReady reports whether the cache reflects the current item set.
func (b *Bundle) CacheReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == cacheReady
}

// ItemCount returns the total number of items held across every bin,
// 0 once the bundle has been stripped.
func (b *Bundle) ItemCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for i := range b.bins {
		n += len(b.bins[i].items)
	}
	return n
}

func itemKey(f felt.Felt) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(f))
	return buf[:]
}

func findItem(items []felt.Felt, item felt.Felt) int {
	for i, v := range items {
		if v == item {
			return i
		}
	}
	return -1
}

// MultiInsert inserts one entry per bin in
// [startBinIdx, startBinIdx+len(entries)), failing the whole operation
// if any entry's item is already present in its bin or would push a
// bin past maxBinSize. dryRun performs the check without mutating
// state. On success, returns the new maximum bin size across the
// touched range.
func (b *Bundle) MultiInsert(entries []Entry, startBinIdx int, dryRun bool) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stripped {
		return 0, ErrStripped
	}
	if err := b.checkRange(startBinIdx, len(entries)); err != nil {
		return 0, err
	}

	maxSize := 0
	for i, e := range entries {
		binIdx := startBinIdx + i
		if findItem(b.bins[binIdx].items, e.Item) >= 0 {
			return 0, ErrItemExists
		}
		sz := len(b.bins[binIdx].items) + 1
		if sz > b.maxBinSize {
			return 0, ErrBinFull
		}
		if sz > maxSize {
			maxSize = sz
		}
	}
	if dryRun {
		return maxSize, nil
	}

	for i, e := range entries {
		binIdx := startBinIdx + i
		b.bins[binIdx].items = append(b.bins[binIdx].items, e.Item)
		if b.labelSize > 0 {
			b.bins[binIdx].labels = append(b.bins[binIdx].labels, e.Label)
		}
		if err := b.filters[binIdx].Insert(itemKey(e.Item)); err != nil {
			return 0, fmt.Errorf("binbundle: filter insert bin %d: %w", binIdx, err)
		}
	}
	b.state = cacheDirty
	return maxSize, nil
}

// TryMultiOverwrite overwrites the label rows of entries already
// present in their bins. It either overwrites every entry or changes
// nothing.
func (b *Bundle) TryMultiOverwrite(entries []Entry, startBinIdx int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stripped {
		return false, ErrStripped
	}
	if err := b.checkRange(startBinIdx, len(entries)); err != nil {
		return false, err
	}

	positions := make([]int, len(entries))
	for i, e := range entries {
		binIdx := startBinIdx + i
		pos := findItem(b.bins[binIdx].items, e.Item)
		if pos < 0 {
			return false, nil
		}
		positions[i] = pos
	}

	for i, e := range entries {
		binIdx := startBinIdx + i
		if b.labelSize > 0 {
			b.bins[binIdx].labels[positions[i]] = e.Label
		}
	}
	b.state = cacheDirty
	return true, nil
}

// TryMultiRemove removes items already present in their bins. It
// either removes every item or changes nothing.
func (b *Bundle) TryMultiRemove(items []felt.Felt, startBinIdx int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stripped {
		return false, ErrStripped
	}
	if err := b.checkRange(startBinIdx, len(items)); err != nil {
		return false, err
	}

	positions := make([]int, len(items))
	for i, item := range items {
		binIdx := startBinIdx + i
		pos := findItem(b.bins[binIdx].items, item)
		if pos < 0 {
			return false, nil
		}
		positions[i] = pos
	}

	for i, item := range items {
		binIdx := startBinIdx + i
		pos := positions[i]
		bn := &b.bins[binIdx]
		bn.items = append(bn.items[:pos], bn.items[pos+1:]...)
		if b.labelSize > 0 {
			bn.labels = append(bn.labels[:pos], bn.labels[pos+1:]...)
		}
		b.filters[binIdx].Remove(itemKey(item))
	}
	b.state = cacheDirty
	return true, nil
}

// TryGetMultiLabel reads the label rows aligned with items. It fails
// atomically (returns false, nothing written to out) if any item is
// missing from its bin.
func (b *Bundle) TryGetMultiLabel(items []felt.Felt, startBinIdx int, out [][]felt.Felt) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stripped {
		return false, ErrStripped
	}
	if err := b.checkRange(startBinIdx, len(items)); err != nil {
		return false, err
	}
	if len(out) != len(items) {
		return false, fmt.Errorf("binbundle: out length %d != items length %d", len(out), len(items))
	}

	positions := make([]int, len(items))
	for i, item := range items {
		binIdx := startBinIdx + i
		pos := findItem(b.bins[binIdx].items, item)
		if pos < 0 {
			return false, nil
		}
		positions[i] = pos
	}
	for i := range items {
		binIdx := startBinIdx + i
		out[i] = b.bins[binIdx].labels[positions[i]]
	}
	return true, nil
}

func (b *Bundle) checkRange(startBinIdx, n int) error {
	if startBinIdx < 0 || n < 0 || startBinIdx+n > b.numBins {
		return fmt.Errorf("binbundle: range [%d,%d) out of bounds for %d bins",
			startBinIdx, startBinIdx+n, b.numBins)
	}
	return nil
}

// Save writes the bundle in a length-prefixed binary format: magic,
// version, bundle index, bin count, then per-bin item/label payloads
// (omitted if stripped) and per-bin filters, and finally the cached
// batched coefficients if present. Modeled on circuit.Circuit.Marshal
// (circuit/marshal.go)'s magic+version+field-by-field binary.Write
// style.
//
// The cache is saved whenever it is ready, stripped or not: a stripped
// bundle's cache is the only state it has left, and without it a saved
// snapshot could never serve a query again after Load.
func (b *Bundle) Save(w io.Writer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := binary.Write(w, binary.BigEndian, magic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, version); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, b.bundleIdx); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(b.numBins)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(b.maxBinSize)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(b.labelSize)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, b.stripped); err != nil {
		return err
	}

	if !b.stripped {
		for i := range b.bins {
			if err := writeBin(w, b.bins[i], b.labelSize); err != nil {
				return fmt.Errorf("binbundle: save bin %d: %w", i, err)
			}
		}
		for i, f := range b.filters {
			if err := f.Save(w); err != nil {
				return fmt.Errorf("binbundle: save filter %d: %w", i, err)
			}
		}
	}

	cacheReadyFlag := b.state == cacheReady && b.cache != nil
	if err := binary.Write(w, binary.BigEndian, cacheReadyFlag); err != nil {
		return err
	}
	if cacheReadyFlag {
		if err := b.cache.matching.Save(w); err != nil {
			return fmt.Errorf("binbundle: save matching cache: %w", err)
		}
		if err := binary.Write(w, binary.BigEndian, uint32(len(b.cache.interp))); err != nil {
			return err
		}
		for k, batched := range b.cache.interp {
			if err := batched.Save(w); err != nil {
				return fmt.Errorf("binbundle: save interp cache %d: %w", k, err)
			}
		}
	}

	return nil
}

func writeBin(w io.Writer, bn bin, labelSize int) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(bn.items))); err != nil {
		return err
	}
	for i, item := range bn.items {
		if err := binary.Write(w, binary.BigEndian, uint64(item)); err != nil {
			return err
		}
		if labelSize > 0 {
			for _, l := range bn.labels[i] {
				if err := binary.Write(w, binary.BigEndian, uint64(l)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Load reads a bundle previously written by Save. enc re-encodes any
// saved cache's plaintext slot vectors (see batchpoly.Load); it is
// unused if the saved bundle had no ready cache.
func Load(r io.Reader, enc he.Evaluator) (*Bundle, error) {
	var gotMagic [4]byte
	if err := binary.Read(r, binary.BigEndian, &gotMagic); err != nil {
		return nil, err
	}
	if gotMagic != magic {
		return nil, fmt.Errorf("binbundle: bad magic %x", gotMagic)
	}
	var gotVersion uint32
	if err := binary.Read(r, binary.BigEndian, &gotVersion); err != nil {
		return nil, err
	}
	if gotVersion != version {
		return nil, fmt.Errorf("binbundle: unsupported version %d", gotVersion)
	}

	b := &Bundle{state: cacheDirty}
	if err := binary.Read(r, binary.BigEndian, &b.bundleIdx); err != nil {
		return nil, err
	}
	var numBins, maxBinSize, labelSize uint32
	if err := binary.Read(r, binary.BigEndian, &numBins); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &maxBinSize); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &labelSize); err != nil {
		return nil, err
	}
	b.numBins = int(numBins)
	b.maxBinSize = int(maxBinSize)
	b.labelSize = int(labelSize)

	if err := binary.Read(r, binary.BigEndian, &b.stripped); err != nil {
		return nil, err
	}

	if !b.stripped {
		b.bins = make([]bin, b.numBins)
		for i := range b.bins {
			bn, err := readBin(r, b.labelSize)
			if err != nil {
				return nil, fmt.Errorf("binbundle: load bin %d: %w", i, err)
			}
			b.bins[i] = bn
		}
		b.filters = make([]*cuckoo.Filter, b.numBins)
		for i := range b.filters {
			f, err := cuckoo.Load(r)
			if err != nil {
				return nil, fmt.Errorf("binbundle: load filter %d: %w", i, err)
			}
			b.filters[i] = f
		}
	}

	var cacheReadyFlag bool
	if err := binary.Read(r, binary.BigEndian, &cacheReadyFlag); err != nil {
		return nil, err
	}
	if cacheReadyFlag {
		matching, err := batchpoly.Load(r, enc)
		if err != nil {
			return nil, fmt.Errorf("binbundle: load matching cache: %w", err)
		}
		var interpCount uint32
		if err := binary.Read(r, binary.BigEndian, &interpCount); err != nil {
			return nil, err
		}
		interp := make([]*batchpoly.Batched, interpCount)
		for k := range interp {
			batched, err := batchpoly.Load(r, enc)
			if err != nil {
				return nil, fmt.Errorf("binbundle: load interp cache %d: %w", k, err)
			}
			interp[k] = batched
		}
		b.cache = &cache{matching: matching, interp: interp}
		b.state = cacheReady
	}

	return b, nil
}

func readBin(r io.Reader, labelSize int) (bin, error) {
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return bin{}, err
	}
	bn := bin{items: make([]felt.Felt, count)}
	if labelSize > 0 {
		bn.labels = make([][]felt.Felt, count)
	}
	for i := 0; i < int(count); i++ {
		var item uint64
		if err := binary.Read(r, binary.BigEndian, &item); err != nil {
			return bin{}, err
		}
		bn.items[i] = felt.Felt(item)
		if labelSize > 0 {
			label := make([]felt.Felt, labelSize)
			for j := range label {
				var l uint64
				if err := binary.Read(r, binary.BigEndian, &l); err != nil {
					return bin{}, err
				}
				label[j] = felt.Felt(l)
			}
			bn.labels[i] = label
		}
	}
	return bn, nil
}

var magic = [4]byte{'A', 'B', 'N', 'D'}

const version = uint32(1)

// RegenCache recomputes the per-bin matching polynomial (the unique
// monic polynomial of degree equal to the bin's current size whose
// roots are the bin's items, zero-padded up to maxBinSize+1
// coefficients) and,
// for a labeled bundle, one Newton interpolation polynomial per label
// felt column, then column-batches both into NTT-form plaintexts via
// enc.
func (b *Bundle) RegenCache(enc he.Evaluator) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stripped {
		return ErrStripped
	}

	matchingCols := make([][]felt.Felt, b.numBins)
	for i := range b.bins {
		matchingCols[i] = matchingPolynomial(b.bins[i].items, b.maxBinSize, enc.Modulus())
	}
	matching, err := batchpoly.NewBatched(matchingCols, enc)
	if err != nil {
		return fmt.Errorf("binbundle: batch matching polynomial: %w", err)
	}

	var interp []*batchpoly.Batched
	if b.labelSize > 0 {
		interp = make([]*batchpoly.Batched, b.labelSize)
		for k := 0; k < b.labelSize; k++ {
			cols := make([][]felt.Felt, b.numBins)
			for i := range b.bins {
				ys := make([]felt.Felt, len(b.bins[i].items))
				for j := range ys {
					ys[j] = b.bins[i].labels[j][k]
				}
				cols[i] = interpolationPolynomial(b.bins[i].items, ys, b.maxBinSize, enc.Modulus())
			}
			batched, err := batchpoly.NewBatched(cols, enc)
			if err != nil {
				return fmt.Errorf("binbundle: batch interpolation chunk %d: %w", k, err)
			}
			interp[k] = batched
		}
	}

	b.cache = &cache{matching: matching, interp: interp}
	b.state = cacheReady
	return nil
}

// Cache returns the current batched matching and interpolation
// polynomials, or false if RegenCache has not been called since the
// last mutation.
func (b *Bundle) Cache() (matching *batchpoly.Batched, interp []*batchpoly.Batched, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != cacheReady || b.cache == nil {
		return nil, nil, false
	}
	return b.cache.matching, b.cache.interp, true
}

// Strip clears item bins, label bins, and filters, keeping only the
// cached batched NTT-form plaintext coefficients. Irreversible.
func (b *Bundle) Strip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bins = nil
	b.filters = nil
	b.stripped = true
}

