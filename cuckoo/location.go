//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

package cuckoo

import (
	"crypto/aes"
	"encoding/binary"
	"fmt"
)

// LocationHasher implements hash_func_count independent, deterministic
// functions mapping a 128-bit item into [0, table_size). Function i is
// seeded by the tweak (i, 0), mirroring the per-function AES keying
// used for the filter's own tag hash and ot.MITCCRH's per-gate tweak
// derivation (ot/mitccrh.go).
type LocationHasher struct {
	tableSize uint64
	ciphers   []cipherKey
}

type cipherKey [16]byte

// NewLocationHasher builds hashFuncCount independent location
// functions over a table of the given size.
func NewLocationHasher(hashFuncCount int, tableSize uint64) (*LocationHasher, error) {
	if hashFuncCount < 1 || hashFuncCount > 8 {
		return nil, fmt.Errorf("cuckoo: hash_func_count %d out of range [1,8]", hashFuncCount)
	}
	if tableSize == 0 {
		return nil, fmt.Errorf("cuckoo: table_size must be non-zero")
	}
	keys := make([]cipherKey, hashFuncCount)
	for i := range keys {
		binary.LittleEndian.PutUint64(keys[i][0:8], uint64(i))
		binary.LittleEndian.PutUint64(keys[i][8:16], 0)
	}
	return &LocationHasher{tableSize: tableSize, ciphers: keys}, nil
}

// Locations returns the set of table slots (duplicates removed) that
// item hashes to under all configured functions.
func (h *LocationHasher) Locations(item [16]byte) []uint64 {
	seen := make(map[uint64]struct{}, len(h.ciphers))
	out := make([]uint64, 0, len(h.ciphers))
	for i := range h.ciphers {
		loc := h.locationAt(i, item)
		if _, ok := seen[loc]; ok {
			continue
		}
		seen[loc] = struct{}{}
		out = append(out, loc)
	}
	return out
}

func (h *LocationHasher) locationAt(funcIdx int, item [16]byte) uint64 {
	block, err := aes.NewCipher(h.ciphers[funcIdx][:])
	if err != nil {
		panic(err)
	}
	var out [16]byte
	block.Encrypt(out[:], item[:])
	return binary.LittleEndian.Uint64(out[:8]) % h.tableSize
}
