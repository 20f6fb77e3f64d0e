//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

// Package hmacoprf is a reference OPRF implementation: an HMAC-SHA256
// keyed by a server secret, split into a HashedItem and a LabelKey.
// It is not a real oblivious PRF (the server sees the raw input in
// the clear) -- it exists only so senderdb has a concrete OPRF to
// call end to end in tests, the OPRF layer being treated as an
// external collaborator out of scope for the core. Recently-seen raw
// inputs are cached to avoid recomputing HMAC for repeated
// Insert/Remove calls in a batch job, the same caching role golang-lru
// plays for syncthing's block cache.
package hmacoprf

import (
	"crypto/hmac"
	"crypto/sha256"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/markkurossi/apsi/felt"
	"github.com/markkurossi/apsi/oprf"
)

type result struct {
	item felt.HashedItem
	key  felt.LabelKey
}

// OPRF is a cached HMAC-based reference OPRF.
type OPRF struct {
	secret []byte
	cache  *lru.Cache[string, result]
}

var _ oprf.OPRF = (*OPRF)(nil)

// New creates an HMAC-based OPRF keyed by secret, caching up to
// cacheSize recent evaluations.
func New(secret []byte, cacheSize int) (*OPRF, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, err := lru.New[string, result](cacheSize)
	if err != nil {
		return nil, err
	}
	return &OPRF{secret: append([]byte{}, secret...), cache: cache}, nil
}

// Evaluate implements oprf.OPRF.
func (o *OPRF) Evaluate(raw []byte) (felt.HashedItem, felt.LabelKey, error) {
	if v, ok := o.cache.Get(string(raw)); ok {
		return v.item, v.key, nil
	}

	itemMAC := hmac.New(sha256.New, o.secret)
	itemMAC.Write([]byte("item"))
	itemMAC.Write(raw)
	itemDigest := itemMAC.Sum(nil)

	var item felt.HashedItem
	var buf [16]byte
	copy(buf[:], itemDigest[:16])
	item.SetBytes(buf)

	keyMAC := hmac.New(sha256.New, o.secret)
	keyMAC.Write([]byte("label"))
	keyMAC.Write(raw)
	keyDigest := keyMAC.Sum(nil)

	var key felt.LabelKey
	copy(key[:], keyDigest)

	r := result{item: item, key: key}
	o.cache.Add(string(raw), r)
	return item, key, nil
}
