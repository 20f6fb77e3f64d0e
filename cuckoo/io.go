//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

package cuckoo

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Save writes the filter's raw bucket array, its
// (bits_per_tag, bucket_count, num_items) header, and the overflow
// slot, length-prefixed and field-by-field the way circuit/marshal.go's
// circuit.Circuit.Marshal writes its own header and gate stream.
func (f *Filter) Save(w io.Writer) error {
	header := []interface{}{
		uint32(f.bitsPerTag),
		f.bucketCount,
		uint32(f.numItems),
		f.full,
		f.overflowSet,
		f.overflowIdx,
		uint64(f.overflowTag),
	}
	for _, v := range header {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return fmt.Errorf("cuckoo: save header: %w", err)
		}
	}
	for _, bucket := range f.buckets {
		for _, s := range bucket {
			if err := binary.Write(w, binary.BigEndian, uint64(s)); err != nil {
				return fmt.Errorf("cuckoo: save bucket: %w", err)
			}
		}
	}
	return nil
}

// Load reads a Filter previously written by Save.
func Load(r io.Reader) (*Filter, error) {
	var bitsPerTag, numItems uint32
	var bucketCount uint32
	var full, overflowSet bool
	var overflowIdx uint32
	var overflowTag uint64

	fields := []interface{}{
		&bitsPerTag, &bucketCount, &numItems, &full, &overflowSet,
		&overflowIdx, &overflowTag,
	}
	for _, v := range fields {
		if err := binary.Read(r, binary.BigEndian, v); err != nil {
			return nil, fmt.Errorf("cuckoo: load header: %w", err)
		}
	}

	f, err := New(int(bitsPerTag), bucketCount, 0)
	if err != nil {
		return nil, err
	}
	f.numItems = int(numItems)
	f.full = full
	f.overflowSet = overflowSet
	f.overflowIdx = overflowIdx
	f.overflowTag = slot(overflowTag)

	for i := range f.buckets {
		for j := range f.buckets[i] {
			var s uint64
			if err := binary.Read(r, binary.BigEndian, &s); err != nil {
				return nil, fmt.Errorf("cuckoo: load bucket: %w", err)
			}
			f.buckets[i][j] = slot(s)
		}
	}
	return f, nil
}
