//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

// Package senderdb implements the SenderDB (C6): a sharded,
// concurrently-updatable collection of BinBundles with strict capacity
// invariants, insert/assign/remove/strip, and binary persistence.
// Mutating operations partition their work by bundle index and hand
// each partition to one wpool.Pool worker, the same fan-out/join idiom
// circuit/player.go's Garble step uses for peer OTs and exercised
// concurrently in otext/iknp_test.go.
package senderdb

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/markkurossi/apsi/apsiproto"
	"github.com/markkurossi/apsi/felt"
	"github.com/markkurossi/apsi/he"
	"gopkg.in/yaml.v3"
)

// Params is the set of quantities derived from a PSIParams plus an
// HE evaluator's slot count, the way psi_params.cpp's
// PSIParams::initialize derives items_per_bundle/bins_per_bundle/
// bundle_idx_count from the receiver-facing parameter document once
// the concrete polynomial ring degree is known.
type Params struct {
	PSI apsiproto.PSIParams

	FeltsPerItem   int
	ItemsPerBundle int
	BinsPerBundle  int
	BundleIdxCount int
	MaxItemsPerBin int
	LabelSize      int
	Modulus        felt.Felt
	LabelByteCount int
	NonceByteCount int
}

// DeriveParams validates psi and computes the Params a DB needs to
// place items, given the concrete slot count and plaintext modulus an
// he.Evaluator will encode against, and the fixed label/nonce byte
// counts this SenderDB encrypts labels with (0 for an unlabeled DB).
func DeriveParams(psi *apsiproto.PSIParams, enc he.Evaluator,
	labelByteCount, nonceByteCount int) (*Params, error) {

	if err := psi.Validate(); err != nil {
		return nil, err
	}
	feltsPerItem := int(psi.ItemParams.FeltsPerItem)
	if feltsPerItem < 2 || feltsPerItem > 32 {
		return nil, fmt.Errorf("senderdb: felts_per_item %d out of range [2,32]", feltsPerItem)
	}
	itemsPerBundle := enc.SlotCount() / feltsPerItem
	if itemsPerBundle < 1 {
		return nil, fmt.Errorf("senderdb: slot count %d too small for %d felts per item",
			enc.SlotCount(), feltsPerItem)
	}
	binsPerBundle := itemsPerBundle * feltsPerItem

	tableSize := int(psi.TableParams.TableSize)
	if tableSize == 0 || tableSize%itemsPerBundle != 0 {
		return nil, fmt.Errorf("senderdb: table_size %d is not an exact multiple of items_per_bundle %d",
			tableSize, itemsPerBundle)
	}
	bundleIdxCount := tableSize / itemsPerBundle

	if nonceByteCount < 0 || nonceByteCount > 16 {
		return nil, felt.ErrNonceByteCount
	}
	if labelByteCount < 0 || labelByteCount > 1024 {
		return nil, felt.ErrLabelByteCount
	}

	bpf := felt.BitsPerFelt(enc.Modulus())
	labelSize := 0
	if totalBits := (nonceByteCount + labelByteCount) * 8; totalBits > 0 {
		numFelts := (totalBits + bpf - 1) / bpf
		for numFelts%feltsPerItem != 0 {
			numFelts++
		}
		labelSize = numFelts / feltsPerItem
	}

	return &Params{
		PSI:            *psi,
		FeltsPerItem:   feltsPerItem,
		ItemsPerBundle: itemsPerBundle,
		BinsPerBundle:  binsPerBundle,
		BundleIdxCount: bundleIdxCount,
		MaxItemsPerBin: int(psi.TableParams.MaxItemsPerBin),
		LabelSize:      labelSize,
		Modulus:        enc.Modulus(),
		LabelByteCount: labelByteCount,
		NonceByteCount: nonceByteCount,
	}, nil
}

// marshal writes the derived params plus the underlying PSIParams
// blob that produced them, so Load can reconstruct a Params without
// needing an he.Evaluator at hand.
func (p *Params) marshal(w io.Writer) error {
	data, err := yaml.Marshal(&p.PSI)
	if err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	fields := []interface{}{
		uint32(p.FeltsPerItem),
		uint32(p.ItemsPerBundle),
		uint32(p.BinsPerBundle),
		uint32(p.BundleIdxCount),
		uint32(p.MaxItemsPerBin),
		uint32(p.LabelSize),
		uint64(p.Modulus),
		uint32(p.LabelByteCount),
		uint32(p.NonceByteCount),
	}
	for _, v := range fields {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return err
		}
	}
	return nil
}

func unmarshalParams(r io.Reader) (*Params, error) {
	var blobLen uint32
	if err := binary.Read(r, binary.BigEndian, &blobLen); err != nil {
		return nil, err
	}
	blob := make([]byte, blobLen)
	if _, err := io.ReadFull(r, blob); err != nil {
		return nil, err
	}
	p := &Params{}
	if err := yaml.Unmarshal(blob, &p.PSI); err != nil {
		return nil, fmt.Errorf("senderdb: parse params blob: %w", err)
	}

	var feltsPerItem, itemsPerBundle, binsPerBundle, bundleIdxCount uint32
	var maxItemsPerBin, labelSize uint32
	var modulus uint64
	var labelByteCount, nonceByteCount uint32

	fields := []interface{}{
		&feltsPerItem, &itemsPerBundle, &binsPerBundle, &bundleIdxCount,
		&maxItemsPerBin, &labelSize, &modulus, &labelByteCount, &nonceByteCount,
	}
	for _, v := range fields {
		if err := binary.Read(r, binary.BigEndian, v); err != nil {
			return nil, err
		}
	}
	p.FeltsPerItem = int(feltsPerItem)
	p.ItemsPerBundle = int(itemsPerBundle)
	p.BinsPerBundle = int(binsPerBundle)
	p.BundleIdxCount = int(bundleIdxCount)
	p.MaxItemsPerBin = int(maxItemsPerBin)
	p.LabelSize = int(labelSize)
	p.Modulus = felt.Felt(modulus)
	p.LabelByteCount = int(labelByteCount)
	p.NonceByteCount = int(nonceByteCount)
	return p, nil
}
