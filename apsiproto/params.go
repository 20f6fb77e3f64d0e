//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

// Package apsiproto is the wire protocol and parameter format for the
// match engine (C9): the sender operation request/response envelopes,
// query/result streaming messages, and PSIParams loading. Binary
// messages are length-prefixed and versioned exactly as
// circuit.Circuit.Marshal/Parse (circuit/marshal.go) encode a circuit
// file: a magic constant, a version, then field-by-field
// binary.Write/binary.Read, with a version mismatch a fatal error on
// load rather than a silent best-effort parse.
package apsiproto

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"gopkg.in/yaml.v3"
)

// ItemParams describes how a raw item is algebraized.
type ItemParams struct {
	FeltsPerItem uint32 `yaml:"felts_per_item" json:"felts_per_item"`
}

// TableParams describes the cuckoo hash table the sender's items are
// placed into.
type TableParams struct {
	TableSize      uint32 `yaml:"table_size" json:"table_size"`
	MaxItemsPerBin uint32 `yaml:"max_items_per_bin" json:"max_items_per_bin"`
	HashFuncCount  uint32 `yaml:"hash_func_count" json:"hash_func_count"`
}

// QueryParams describes the Paterson-Stockmeyer power schedule a
// query must use.
type QueryParams struct {
	PSLowDegree uint32   `yaml:"ps_low_degree" json:"ps_low_degree"`
	QueryPowers []uint32 `yaml:"query_powers" json:"query_powers"`
}

// PSIParams is the full parameter bundle a sender publishes and a
// receiver must match before querying. SealParams is an opaque blob
// handed to the he.Evaluator capability; this package never
// interprets its contents.
type PSIParams struct {
	ItemParams  ItemParams  `yaml:"item_params" json:"item_params"`
	TableParams TableParams `yaml:"table_params" json:"table_params"`
	QueryParams QueryParams `yaml:"query_params" json:"query_params"`
	SealParams  []byte      `yaml:"seal_params" json:"seal_params"`
}

// Validate checks the invariants query_params must satisfy:
// 1 ∈ query_powers, 0 ∉ query_powers, ps_low_degree in
// [0, max_items_per_bin], and powers above ps_low_degree are
// multiples of ps_low_degree+1.
func (p *PSIParams) Validate() error {
	hasOne := false
	for _, q := range p.QueryParams.QueryPowers {
		if q == 0 {
			return fmt.Errorf("apsiproto: query_powers must not contain 0")
		}
		if q == 1 {
			hasOne = true
		}
	}
	if !hasOne {
		return fmt.Errorf("apsiproto: query_powers must contain 1")
	}
	if p.QueryParams.PSLowDegree > p.TableParams.MaxItemsPerBin {
		return fmt.Errorf("apsiproto: ps_low_degree %d exceeds max_items_per_bin %d",
			p.QueryParams.PSLowDegree, p.TableParams.MaxItemsPerBin)
	}
	if p.QueryParams.PSLowDegree > 0 {
		step := p.QueryParams.PSLowDegree + 1
		for _, q := range p.QueryParams.QueryPowers {
			if q > p.QueryParams.PSLowDegree && q%step != 0 {
				return fmt.Errorf("apsiproto: query power %d above ps_low_degree %d is not a multiple of %d",
					q, p.QueryParams.PSLowDegree, step)
			}
		}
	}
	return nil
}

// LoadPSIParamsYAML reads and validates a PSIParams document from a
// YAML file.
func LoadPSIParamsYAML(path string) (*PSIParams, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p PSIParams
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("apsiproto: parse yaml: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadPSIParamsJSON reads and validates a PSIParams document from a
// JSON file.
func LoadPSIParamsJSON(path string) (*PSIParams, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p PSIParams
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("apsiproto: parse json: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// SavePSIParamsYAML writes p to path as YAML.
func SavePSIParamsYAML(path string, p *PSIParams) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// marshalParamsYAML encodes p as YAML for embedding in a
// ParmsResponse message body.
func marshalParamsYAML(p *PSIParams) ([]byte, error) {
	return yaml.Marshal(p)
}

// unmarshalParamsYAML decodes and validates a PSIParams document
// previously produced by marshalParamsYAML.
func unmarshalParamsYAML(data []byte) (*PSIParams, error) {
	var p PSIParams
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("apsiproto: parse yaml: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// SuggestPlaintextModulus searches for the largest prime p of at
// most bitSize bits with p ≡ 1 (mod 2*polyModulusDegree), the
// "batching prime" condition an NTT-friendly BFV plaintext modulus
// must satisfy so that SIMD batching is available at the requested
// ring degree. Supplements psi_params.cpp's batching-prime search,
// present in original_source but only alluded to in the distilled
// parameter spec.
func SuggestPlaintextModulus(polyModulusDegree uint64, bitSize int) (uint64, error) {
	if polyModulusDegree == 0 || polyModulusDegree&(polyModulusDegree-1) != 0 {
		return 0, fmt.Errorf("apsiproto: poly_modulus_degree %d is not a power of two", polyModulusDegree)
	}
	if bitSize < 2 || bitSize > 62 {
		return 0, fmt.Errorf("apsiproto: bit_size %d out of range [2,62]", bitSize)
	}

	modulus := uint64(2) * polyModulusDegree
	top := (uint64(1) << uint(bitSize)) - 1
	candidate := top - (top % modulus) + 1
	if candidate > top {
		candidate -= modulus
	}

	for candidate >= modulus {
		if big.NewInt(0).SetUint64(candidate).ProbablyPrime(32) {
			return candidate, nil
		}
		if candidate < modulus {
			break
		}
		candidate -= modulus
	}
	return 0, fmt.Errorf("apsiproto: no %d-bit batching prime found for poly_modulus_degree %d",
		bitSize, polyModulusDegree)
}
