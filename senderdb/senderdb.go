//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

package senderdb

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/markkurossi/apsi/binbundle"
	"github.com/markkurossi/apsi/cuckoo"
	"github.com/markkurossi/apsi/felt"
	"github.com/markkurossi/apsi/he"
	"github.com/markkurossi/apsi/oprf"
	"github.com/markkurossi/apsi/wpool"
)

// ErrMissingItem is returned by Remove/GetLabel for an item the
// database does not hold.
var ErrMissingItem = errors.New("senderdb: item not present")

// ErrCapacityFailure is returned when a freshly created BinBundle
// still fails to absorb the entry that triggered its creation, which
// cannot happen with a consistent parameter set.
var ErrCapacityFailure = errors.New("senderdb: new bin bundle rejected its only entry")

// ErrStripped is returned by any operation that needs raw item state
// or the OPRF key once Strip has been called.
var ErrStripped = errors.New("senderdb: operation not permitted after strip")

// Entry is one raw sender record: an arbitrary-length input the OPRF
// hashes, plus an optional label (nil/empty for an unlabeled DB).
type Entry struct {
	Raw   []byte
	Label []byte
}

// DB is the top-level store: bundle_idx_count buckets of BinBundles,
// the global item set for dedup/membership, and the OPRF key, guarded
// by a readers-writer lock so queries can run concurrently with each
// other but exclude mutation.
type DB struct {
	mu     sync.RWMutex
	params *Params
	enc    he.Evaluator

	locHasher      *cuckoo.LocationHasher
	pool           *wpool.Pool
	oprfFn         oprf.OPRF
	oprfKey        []byte
	bitsPerTag     int
	bucketCount    uint32
	maxCuckooKicks int

	buckets  [][]*binbundle.Bundle // len == params.BundleIdxCount
	items    map[felt.HashedItem]struct{}
	stripped bool
}

// New creates an empty SenderDB. enc is used only to regenerate
// BinBundle caches after a mutation, never to encrypt/decrypt on the
// sender's behalf. oprfKey is the master secret that produced oprfFn
// (hmacoprf.New's secret, typically); it is returned verbatim by
// GetOPRFKey and cleared by Strip.
func New(params *Params, enc he.Evaluator, oprfFn oprf.OPRF, oprfKey []byte,
	pool *wpool.Pool, bitsPerTag int, bucketCount uint32, maxCuckooKicks int) (*DB, error) {

	locHasher, err := cuckoo.NewLocationHasher(
		int(params.PSI.TableParams.HashFuncCount), uint64(params.PSI.TableParams.TableSize))
	if err != nil {
		return nil, err
	}
	db := &DB{
		params:         params,
		enc:            enc,
		locHasher:      locHasher,
		pool:           pool,
		oprfFn:         oprfFn,
		oprfKey:        append([]byte{}, oprfKey...),
		bitsPerTag:     bitsPerTag,
		bucketCount:    bucketCount,
		maxCuckooKicks: maxCuckooKicks,
		buckets:        make([][]*binbundle.Bundle, params.BundleIdxCount),
		items:          make(map[felt.HashedItem]struct{}),
	}
	db.recordMetricsLocked()
	return db, nil
}

// Params returns the database's derived parameter set.
func (db *DB) Params() *Params { return db.params }

// Buckets returns the BinBundles at bundleIdx, for the query engine's
// power-computation and cache evaluation passes. The returned slice
// must not be mutated; it is only valid while the caller holds no
// conflicting SenderDB lock of its own (the query engine calls this
// while already holding the read lock it acquired via RLock/RUnlock).
func (db *DB) Buckets(bundleIdx int) []*binbundle.Bundle {
	return db.buckets[bundleIdx]
}

// RLock/RUnlock expose the SenderDB's reader lock so the query engine
// can hold it for the duration of a query, per the read/write split
// insert and remove also use.
func (db *DB) RLock()   { db.mu.RLock() }
func (db *DB) RUnlock() { db.mu.RUnlock() }

// placement is one (item | item+label) felt group destined for the
// feltsPerItem consecutive bins starting at binStart within one
// bundle -- the unit MultiInsert/TryMultiOverwrite/TryMultiRemove
// operate on.
type placement struct {
	bundleIdx int
	binStart  int
	entries   []binbundle.Entry
	items     []felt.Felt
}

// locationsFor returns item's hash_func_count candidate
// (bundleIdx, binStart) placements. location*feltsPerItem always
// falls inside a single bundle because binsPerBundle is itself a
// multiple of feltsPerItem.
func (db *DB) locationsFor(item felt.HashedItem) []struct{ bundleIdx, binStart int } {
	locs := db.locHasher.Locations(item.Bytes())
	out := make([]struct{ bundleIdx, binStart int }, len(locs))
	for i, loc := range locs {
		bundleIdx := int(loc) / db.params.ItemsPerBundle
		binStart := (int(loc) % db.params.ItemsPerBundle) * db.params.FeltsPerItem
		out[i] = struct{ bundleIdx, binStart int }{bundleIdx, binStart}
	}
	return out
}

// InsertOrAssign algebraizes and places every entry: raw inputs
// already present in the item set are routed to overwrite (their
// label rows are replaced at every cuckoo location); others are
// inserted fresh. Overwrites are applied before new insertions within
// this call, so the resulting state is as if every overwrite happened
// first.
func (db *DB) InsertOrAssign(entries []Entry) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.stripped {
		return ErrStripped
	}

	type resolved struct {
		item       felt.HashedItem
		isNew      bool
		placements []placement
	}

	seenThisCall := make(map[felt.HashedItem]bool)
	work := make([]resolved, 0, len(entries))
	for _, e := range entries {
		item, key, err := db.oprfFn.Evaluate(e.Raw)
		if err != nil {
			return fmt.Errorf("senderdb: oprf evaluate: %w", err)
		}

		var encLabel felt.EncryptedLabel
		if db.params.LabelSize > 0 {
			encLabel, err = felt.EncryptLabel(e.Label, key, db.params.NonceByteCount, rand.Reader)
			if err != nil {
				return fmt.Errorf("senderdb: encrypt label: %w", err)
			}
		}
		algItemLabel, err := felt.AlgebraizeItemLabel(item, encLabel, db.params.FeltsPerItem, db.params.Modulus)
		if err != nil {
			return fmt.Errorf("senderdb: algebraize: %w", err)
		}

		_, exists := db.items[item]
		overwrite := exists || seenThisCall[item]
		seenThisCall[item] = true

		locs := db.locationsFor(item)
		placements := make([]placement, 0, len(locs))
		for _, loc := range locs {
			binEntries := make([]binbundle.Entry, db.params.FeltsPerItem)
			binItems := make([]felt.Felt, db.params.FeltsPerItem)
			for i, al := range algItemLabel {
				binEntries[i] = binbundle.Entry{Item: al.Item, Label: al.Label}
				binItems[i] = al.Item
			}
			placements = append(placements, placement{
				bundleIdx: loc.bundleIdx,
				binStart:  loc.binStart,
				entries:   binEntries,
				items:     binItems,
			})
		}
		work = append(work, resolved{item: item, isNew: !overwrite, placements: placements})
	}

	perBundle := make(map[int][]placement)
	for _, r := range work {
		for _, p := range r.placements {
			perBundle[p.bundleIdx] = append(perBundle[p.bundleIdx], p)
		}
	}
	bundleIdxs := make([]int, 0, len(perBundle))
	for idx := range perBundle {
		bundleIdxs = append(bundleIdxs, idx)
	}

	touched := make([][]*binbundle.Bundle, len(bundleIdxs))
	failures := make([]error, len(bundleIdxs))

	db.pool.Run(len(bundleIdxs), func(i int) {
		bundleIdx := bundleIdxs[i]
		for _, p := range perBundle[bundleIdx] {
			if b := db.overwriteInBundle(bundleIdx, p); b != nil {
				touched[i] = appendUniqueBundle(touched[i], b)
				continue
			}
			b, err := db.insertInBundle(bundleIdx, p)
			if err != nil {
				failures[i] = err
				return
			}
			touched[i] = appendUniqueBundle(touched[i], b)
		}
	})

	for _, err := range failures {
		if err != nil {
			return err
		}
	}

	for _, r := range work {
		if r.isNew {
			db.items[r.item] = struct{}{}
		}
	}

	var regenList []*binbundle.Bundle
	for _, list := range touched {
		regenList = append(regenList, list...)
	}
	db.pool.Run(len(regenList), func(i int) {
		_ = regenList[i].RegenCache(db.enc)
	})

	db.recordMetricsLocked()
	return nil
}

func appendUniqueBundle(list []*binbundle.Bundle, b *binbundle.Bundle) []*binbundle.Bundle {
	for _, existing := range list {
		if existing == b {
			return list
		}
	}
	return append(list, b)
}

// overwriteInBundle scans bucket bundleIdx in reverse insertion order
// for the first BinBundle that already holds an item at p's bins,
// overwriting its label row there. Returns nil if no bundle in the
// partition currently holds the item at this placement.
func (db *DB) overwriteInBundle(bundleIdx int, p placement) *binbundle.Bundle {
	bucket := db.buckets[bundleIdx]
	for i := len(bucket) - 1; i >= 0; i-- {
		ok, err := bucket[i].TryMultiOverwrite(p.entries, p.binStart)
		if err == nil && ok {
			return bucket[i]
		}
	}
	return nil
}

// insertInBundle scans bucket bundleIdx in reverse insertion order,
// committing the first dry-run acceptance; if none accepts, appends a
// fresh BinBundle and inserts there, failing fatally if even that
// rejects the entry.
func (db *DB) insertInBundle(bundleIdx int, p placement) (*binbundle.Bundle, error) {
	bucket := db.buckets[bundleIdx]
	for i := len(bucket) - 1; i >= 0; i-- {
		if _, err := bucket[i].MultiInsert(p.entries, p.binStart, true); err == nil {
			if _, err := bucket[i].MultiInsert(p.entries, p.binStart, false); err != nil {
				return nil, fmt.Errorf("senderdb: commit after accepted dry run: %w", err)
			}
			return bucket[i], nil
		}
	}

	fresh, err := binbundle.New(uint32(bundleIdx), db.params.BinsPerBundle, db.params.MaxItemsPerBin,
		db.params.LabelSize, db.bitsPerTag, db.bucketCount, db.maxCuckooKicks)
	if err != nil {
		return nil, fmt.Errorf("senderdb: new bin bundle: %w", err)
	}
	if _, err := fresh.MultiInsert(p.entries, p.binStart, false); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapacityFailure, err)
	}
	db.buckets[bundleIdx] = append(db.buckets[bundleIdx], fresh)
	return fresh, nil
}

// Remove deletes every raw input's item from every cuckoo location it
// was placed at, dropping any BinBundle that becomes empty as a
// result. Removal of an absent item fails the whole call with
// ErrMissingItem; already-removed items earlier in the same call do
// not affect later ones.
func (db *DB) Remove(raws [][]byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.stripped {
		return ErrStripped
	}

	type resolved struct {
		item       felt.HashedItem
		placements []placement
	}
	work := make([]resolved, 0, len(raws))
	for _, raw := range raws {
		item, _, err := db.oprfFn.Evaluate(raw)
		if err != nil {
			return fmt.Errorf("senderdb: oprf evaluate: %w", err)
		}
		if _, ok := db.items[item]; !ok {
			return ErrMissingItem
		}
		algItem, err := felt.AlgebraizeItem(item, db.params.FeltsPerItem, db.params.Modulus)
		if err != nil {
			return fmt.Errorf("senderdb: algebraize: %w", err)
		}

		locs := db.locationsFor(item)
		placements := make([]placement, 0, len(locs))
		for _, loc := range locs {
			placements = append(placements, placement{
				bundleIdx: loc.bundleIdx,
				binStart:  loc.binStart,
				items:     append([]felt.Felt{}, algItem...),
			})
		}
		work = append(work, resolved{item: item, placements: placements})
	}

	perBundle := make(map[int][]placement)
	for _, r := range work {
		for _, p := range r.placements {
			perBundle[p.bundleIdx] = append(perBundle[p.bundleIdx], p)
		}
	}
	bundleIdxs := make([]int, 0, len(perBundle))
	for idx := range perBundle {
		bundleIdxs = append(bundleIdxs, idx)
	}

	db.pool.Run(len(bundleIdxs), func(i int) {
		bundleIdx := bundleIdxs[i]
		for _, p := range perBundle[bundleIdx] {
			db.removeFromBundle(bundleIdx, p)
		}
	})

	for _, r := range work {
		delete(db.items, r.item)
	}

	for bundleIdx, bucket := range db.buckets {
		kept := bucket[:0]
		for _, b := range bucket {
			if b.ItemCount() > 0 {
				kept = append(kept, b)
			}
		}
		db.buckets[bundleIdx] = kept
	}

	var regenList []*binbundle.Bundle
	for _, bucket := range db.buckets {
		for _, b := range bucket {
			if !b.CacheReady() {
				regenList = append(regenList, b)
			}
		}
	}
	db.pool.Run(len(regenList), func(i int) {
		_ = regenList[i].RegenCache(db.enc)
	})

	db.recordMetricsLocked()
	return nil
}

func (db *DB) removeFromBundle(bundleIdx int, p placement) {
	bucket := db.buckets[bundleIdx]
	for i := len(bucket) - 1; i >= 0; i-- {
		ok, err := bucket[i].TryMultiRemove(p.items, p.binStart)
		if err == nil && ok {
			return
		}
	}
}

// Clear removes every item and BinBundle, keeping parameters, the
// OPRF key, and the stripped flag untouched.
func (db *DB) Clear() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.stripped {
		return ErrStripped
	}
	db.buckets = make([][]*binbundle.Bundle, db.params.BundleIdxCount)
	db.items = make(map[felt.HashedItem]struct{})
	db.recordMetricsLocked()
	return nil
}

// SetData clears the database and loads entries as a fresh insert.
func (db *DB) SetData(entries []Entry) error {
	if err := db.Clear(); err != nil {
		return err
	}
	return db.InsertOrAssign(entries)
}

// HasItem reports whether raw's hashed item is currently present.
func (db *DB) HasItem(raw []byte) (bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	item, _, err := db.oprfFn.Evaluate(raw)
	if err != nil {
		return false, fmt.Errorf("senderdb: oprf evaluate: %w", err)
	}
	_, ok := db.items[item]
	return ok, nil
}

// GetLabel returns the decrypted label for raw's item, ErrMissingItem
// if absent, or ErrStripped once the database has been stripped.
func (db *DB) GetLabel(raw []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.stripped {
		return nil, ErrStripped
	}

	item, key, err := db.oprfFn.Evaluate(raw)
	if err != nil {
		return nil, fmt.Errorf("senderdb: oprf evaluate: %w", err)
	}
	if _, ok := db.items[item]; !ok {
		return nil, ErrMissingItem
	}
	if db.params.LabelSize == 0 {
		return nil, nil
	}
	algItem, err := felt.AlgebraizeItem(item, db.params.FeltsPerItem, db.params.Modulus)
	if err != nil {
		return nil, fmt.Errorf("senderdb: algebraize: %w", err)
	}

	for _, loc := range db.locationsFor(item) {
		bucket := db.buckets[loc.bundleIdx]
		out := make([][]felt.Felt, db.params.FeltsPerItem)
		found := false
		for i := len(bucket) - 1; i >= 0 && !found; i-- {
			ok, err := bucket[i].TryGetMultiLabel(algItem, loc.binStart, out)
			if err == nil && ok {
				found = true
			}
		}
		if !found {
			continue
		}
		algItemLabel := make([]felt.AlgItemLabel, db.params.FeltsPerItem)
		for i := range algItem {
			algItemLabel[i] = felt.AlgItemLabel{Item: algItem[i], Label: out[i]}
		}
		_, encLabel, err := felt.DealgebraizeItemLabel(algItemLabel, db.params.Modulus,
			db.params.NonceByteCount+db.params.LabelByteCount)
		if err != nil {
			return nil, fmt.Errorf("senderdb: dealgebraize label: %w", err)
		}
		return felt.DecryptLabel(encLabel, key, db.params.NonceByteCount)
	}
	return nil, ErrMissingItem
}

// GetOPRFKey returns the master OPRF secret, or ErrStripped once the
// database has been stripped.
func (db *DB) GetOPRFKey() ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.stripped {
		return nil, ErrStripped
	}
	return append([]byte{}, db.oprfKey...), nil
}

// Strip clears item bins, label bins, and filters in every BinBundle
// (parallel), then clears the global item set and OPRF key, keeping
// only the cached batched plaintext coefficients the query engine
// needs to keep serving queries.
func (db *DB) Strip() {
	db.mu.Lock()
	defer db.mu.Unlock()

	var all []*binbundle.Bundle
	for _, bucket := range db.buckets {
		all = append(all, bucket...)
	}
	db.pool.Run(len(all), func(i int) {
		all[i].Strip()
	})

	db.items = nil
	db.oprfKey = nil
	db.stripped = true
}

// Stripped reports whether Strip has been called.
func (db *DB) Stripped() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.stripped
}

// Save writes the database: the params blob, a header of scalar
// fields, the OPRF key, the hashed item list (omitted once stripped),
// and every BinBundle prefixed by its bundle index.
func (db *DB) Save(w io.Writer) error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if err := db.params.marshal(w); err != nil {
		return fmt.Errorf("senderdb: save params: %w", err)
	}

	header := struct {
		LabelByteCount uint32
		NonceByteCount uint32
		ItemCount      uint32
		Compressed     bool
		Stripped       bool
	}{
		LabelByteCount: uint32(db.params.LabelByteCount),
		NonceByteCount: uint32(db.params.NonceByteCount),
		ItemCount:      uint32(len(db.items)),
		Stripped:       db.stripped,
	}
	for _, v := range []interface{}{
		header.LabelByteCount, header.NonceByteCount, header.ItemCount,
		header.Compressed, header.Stripped,
	} {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return err
		}
	}

	if err := binary.Write(w, binary.BigEndian, uint32(len(db.oprfKey))); err != nil {
		return err
	}
	if _, err := w.Write(db.oprfKey); err != nil {
		return err
	}

	if !db.stripped {
		for item := range db.items {
			b := item.Bytes()
			if _, err := w.Write(b[:]); err != nil {
				return err
			}
		}
	}

	var bundleCount uint32
	for _, bucket := range db.buckets {
		bundleCount += uint32(len(bucket))
	}
	if err := binary.Write(w, binary.BigEndian, bundleCount); err != nil {
		return err
	}
	for bundleIdx, bucket := range db.buckets {
		for _, b := range bucket {
			if err := binary.Write(w, binary.BigEndian, uint32(bundleIdx)); err != nil {
				return err
			}
			if err := b.Save(w); err != nil {
				return fmt.Errorf("senderdb: save bin bundle at %d: %w", bundleIdx, err)
			}
		}
	}
	return nil
}

// Load reads a database previously written by Save. enc re-encodes any
// saved BinBundle's cached batched plaintexts (see binbundle.Load) and
// is used to regenerate caches on later mutation; oprfFn must be the
// same OPRF the saved database was created with.
func Load(r io.Reader, enc he.Evaluator, oprfFn oprf.OPRF,
	pool *wpool.Pool, bitsPerTag int, bucketCount uint32, maxCuckooKicks int) (*DB, error) {

	params, err := unmarshalParams(r)
	if err != nil {
		return nil, fmt.Errorf("senderdb: load params: %w", err)
	}

	var labelByteCount, nonceByteCount, itemCount uint32
	var compressed, stripped bool
	for _, v := range []interface{}{
		&labelByteCount, &nonceByteCount, &itemCount, &compressed, &stripped,
	} {
		if err := binary.Read(r, binary.BigEndian, v); err != nil {
			return nil, err
		}
	}
	if compressed {
		return nil, errors.New("senderdb: compressed snapshots are not supported")
	}

	var keyLen uint32
	if err := binary.Read(r, binary.BigEndian, &keyLen); err != nil {
		return nil, err
	}
	oprfKey := make([]byte, keyLen)
	if _, err := io.ReadFull(r, oprfKey); err != nil {
		return nil, err
	}

	locHasher, err := cuckoo.NewLocationHasher(
		int(params.PSI.TableParams.HashFuncCount), uint64(params.PSI.TableParams.TableSize))
	if err != nil {
		return nil, err
	}
	db := &DB{
		params:         params,
		enc:            enc,
		locHasher:      locHasher,
		pool:           pool,
		oprfFn:         oprfFn,
		oprfKey:        oprfKey,
		bitsPerTag:     bitsPerTag,
		bucketCount:    bucketCount,
		maxCuckooKicks: maxCuckooKicks,
		buckets:        make([][]*binbundle.Bundle, params.BundleIdxCount),
		stripped:       stripped,
	}

	if !stripped {
		db.items = make(map[felt.HashedItem]struct{}, itemCount)
		for i := uint32(0); i < itemCount; i++ {
			var b [16]byte
			if _, err := io.ReadFull(r, b[:]); err != nil {
				return nil, err
			}
			var item felt.HashedItem
			item.SetBytes(b)
			db.items[item] = struct{}{}
		}
	}

	var bundleCount uint32
	if err := binary.Read(r, binary.BigEndian, &bundleCount); err != nil {
		return nil, err
	}
	for i := uint32(0); i < bundleCount; i++ {
		var bundleIdx uint32
		if err := binary.Read(r, binary.BigEndian, &bundleIdx); err != nil {
			return nil, err
		}
		b, err := binbundle.Load(r, enc)
		if err != nil {
			return nil, fmt.Errorf("senderdb: load bin bundle at %d: %w", bundleIdx, err)
		}
		db.buckets[bundleIdx] = append(db.buckets[bundleIdx], b)
	}

	db.recordMetricsLocked()
	return db, nil
}
