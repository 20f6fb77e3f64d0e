//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

package apsiproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MAGIC identifies a sender-operation message, the same role
// circuit.MAGIC (circuit/marshal.go) plays for circuit files.
const MAGIC = 0x61707369 // apsi

// Version is the wire format version written into every message
// header. A mismatch on load is fatal: ErrInvalidRequest, never a
// best-effort parse of an unknown layout.
const Version = 1

// Operation identifies which sender operation a message belongs to.
type Operation uint32

// Sender operations.
const (
	OpParms Operation = iota + 1
	OpOPRF
	OpQuery
)

func (op Operation) String() string {
	switch op {
	case OpParms:
		return "parms"
	case OpOPRF:
		return "oprf"
	case OpQuery:
		return "query"
	default:
		return fmt.Sprintf("Operation(%d)", uint32(op))
	}
}

// ErrInvalidRequest is returned when a message's magic or version
// does not match, or its framing is otherwise malformed.
var ErrInvalidRequest = errors.New("apsiproto: invalid request")

// SenderOperationHeader prefixes every message on the wire.
type SenderOperationHeader struct {
	Op Operation
}

func writeHeader(w io.Writer, op Operation) error {
	for _, v := range []interface{}{
		uint32(MAGIC),
		uint32(Version),
		uint32(op),
	} {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return err
		}
	}
	return nil
}

func readHeader(r io.Reader) (SenderOperationHeader, error) {
	var magic, version, op uint32
	for _, v := range []*uint32{&magic, &version, &op} {
		if err := binary.Read(r, binary.BigEndian, v); err != nil {
			return SenderOperationHeader{}, err
		}
	}
	if magic != MAGIC {
		return SenderOperationHeader{}, fmt.Errorf("%w: bad magic %#x", ErrInvalidRequest, magic)
	}
	if version != Version {
		return SenderOperationHeader{}, fmt.Errorf("%w: version %d, want %d", ErrInvalidRequest, version, Version)
	}
	return SenderOperationHeader{Op: Operation(op)}, nil
}

func writeUint32(w io.Writer, v uint32) error {
	return binary.Write(w, binary.BigEndian, v)
}

func readUint32(r io.Reader) (uint32, error) {
	var v uint32
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// writeData length-prefixes val with a uint32 byte count, the same
// framing p2p.Conn.SendData (p2p/protocol.go) uses over a live
// connection, reused here for a one-shot buffer instead of a socket.
func writeData(w io.Writer, val []byte) error {
	if err := writeUint32(w, uint32(len(val))); err != nil {
		return err
	}
	if len(val) == 0 {
		return nil
	}
	_, err := w.Write(val)
	return err
}

func readData(r io.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeDataSlice(w io.Writer, vals [][]byte) error {
	if err := writeUint32(w, uint32(len(vals))); err != nil {
		return err
	}
	for _, v := range vals {
		if err := writeData(w, v); err != nil {
			return err
		}
	}
	return nil
}

func readDataSlice(r io.Reader) ([][]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, n)
	for i := range out {
		out[i], err = readData(r)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ParmsRequest carries no payload beyond its header; a receiver sends
// it to ask which PSIParams a sender is running.
type ParmsRequest struct{}

// Marshal writes a parms request.
func (req *ParmsRequest) Marshal(w io.Writer) error {
	return writeHeader(w, OpParms)
}

// ParseParmsRequest reads and validates a parms request header.
func ParseParmsRequest(r io.Reader) (*ParmsRequest, error) {
	hdr, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if hdr.Op != OpParms {
		return nil, fmt.Errorf("%w: got op %s, want parms", ErrInvalidRequest, hdr.Op)
	}
	return &ParmsRequest{}, nil
}

// ParmsResponse carries the sender's published PSIParams, encoded as
// YAML so the same bytes that go over the wire can be written
// straight to a parameter file for later offline use.
type ParmsResponse struct {
	Params *PSIParams
}

// Marshal writes a parms response.
func (resp *ParmsResponse) Marshal(w io.Writer) error {
	if err := writeHeader(w, OpParms); err != nil {
		return err
	}
	data, err := marshalParamsYAML(resp.Params)
	if err != nil {
		return err
	}
	return writeData(w, data)
}

// ParseParmsResponse reads a parms response.
func ParseParmsResponse(r io.Reader) (*ParmsResponse, error) {
	hdr, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if hdr.Op != OpParms {
		return nil, fmt.Errorf("%w: got op %s, want parms", ErrInvalidRequest, hdr.Op)
	}
	data, err := readData(r)
	if err != nil {
		return nil, err
	}
	params, err := unmarshalParamsYAML(data)
	if err != nil {
		return nil, err
	}
	return &ParmsResponse{Params: params}, nil
}

// OPRFRequest carries blinded items. The blind/unblind protocol
// itself is the oprf.OPRF capability's concern (see oprf/oprf.go);
// this package only frames the opaque request bytes for transport.
type OPRFRequest struct {
	BlindedItems []byte
}

// Marshal writes an OPRF request.
func (req *OPRFRequest) Marshal(w io.Writer) error {
	if err := writeHeader(w, OpOPRF); err != nil {
		return err
	}
	return writeData(w, req.BlindedItems)
}

// ParseOPRFRequest reads an OPRF request.
func ParseOPRFRequest(r io.Reader) (*OPRFRequest, error) {
	hdr, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if hdr.Op != OpOPRF {
		return nil, fmt.Errorf("%w: got op %s, want oprf", ErrInvalidRequest, hdr.Op)
	}
	data, err := readData(r)
	if err != nil {
		return nil, err
	}
	return &OPRFRequest{BlindedItems: data}, nil
}

// OPRFResponse carries the sender's evaluation of the blinded items.
type OPRFResponse struct {
	EvaluatedItems []byte
}

// Marshal writes an OPRF response.
func (resp *OPRFResponse) Marshal(w io.Writer) error {
	if err := writeHeader(w, OpOPRF); err != nil {
		return err
	}
	return writeData(w, resp.EvaluatedItems)
}

// ParseOPRFResponse reads an OPRF response.
func ParseOPRFResponse(r io.Reader) (*OPRFResponse, error) {
	hdr, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if hdr.Op != OpOPRF {
		return nil, fmt.Errorf("%w: got op %s, want oprf", ErrInvalidRequest, hdr.Op)
	}
	data, err := readData(r)
	if err != nil {
		return nil, err
	}
	return &OPRFResponse{EvaluatedItems: data}, nil
}

// QueryRequest carries the receiver's encrypted query powers, keyed
// by exponent. Each power maps to a vector of ciphertexts, one per
// bundle index (length bundle_idx_count), since every bundle index
// batches a disjoint set of items and so needs its own copy of the
// receiver's query powers. RelinKeys are the relinearization keys a
// sender needs for the Multiply+Relinearize steps of power completion
// and Paterson-Stockmeyer folding. Ciphertext bytes are opaque to this
// package; the he.Evaluator capability that produced them is the only
// thing that interprets them, per SPEC_FULL.md's bring-your-own-HE-
// backend boundary.
type QueryRequest struct {
	CompressionMode uint32
	RelinKeys       []byte
	Powers          map[uint32][][]byte
}

// Marshal writes a query request.
func (req *QueryRequest) Marshal(w io.Writer) error {
	if err := writeHeader(w, OpQuery); err != nil {
		return err
	}
	if err := writeUint32(w, req.CompressionMode); err != nil {
		return err
	}
	if err := writeData(w, req.RelinKeys); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(req.Powers))); err != nil {
		return err
	}
	powers := make([]uint32, 0, len(req.Powers))
	for p := range req.Powers {
		powers = append(powers, p)
	}
	sortUint32s(powers)
	for _, p := range powers {
		if err := writeUint32(w, p); err != nil {
			return err
		}
		if err := writeDataSlice(w, req.Powers[p]); err != nil {
			return err
		}
	}
	return nil
}

// ParseQueryRequest reads a query request.
func ParseQueryRequest(r io.Reader) (*QueryRequest, error) {
	hdr, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if hdr.Op != OpQuery {
		return nil, fmt.Errorf("%w: got op %s, want query", ErrInvalidRequest, hdr.Op)
	}
	compression, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	relinKeys, err := readData(r)
	if err != nil {
		return nil, err
	}
	count, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	powers := make(map[uint32][][]byte, count)
	for i := uint32(0); i < count; i++ {
		p, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		data, err := readDataSlice(r)
		if err != nil {
			return nil, err
		}
		powers[p] = data
	}
	return &QueryRequest{
		CompressionMode: compression,
		RelinKeys:       relinKeys,
		Powers:          powers,
	}, nil
}

// QueryResponse announces how many ResultPackage messages will
// follow on the stream, so a receiver knows when to stop reading
// without relying on connection close.
type QueryResponse struct {
	PackageCount uint32
}

// Marshal writes a query response.
func (resp *QueryResponse) Marshal(w io.Writer) error {
	if err := writeHeader(w, OpQuery); err != nil {
		return err
	}
	return writeUint32(w, resp.PackageCount)
}

// ParseQueryResponse reads a query response.
func ParseQueryResponse(r io.Reader) (*QueryResponse, error) {
	hdr, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if hdr.Op != OpQuery {
		return nil, fmt.Errorf("%w: got op %s, want query", ErrInvalidRequest, hdr.Op)
	}
	count, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	return &QueryResponse{PackageCount: count}, nil
}

// ResultPackage is one bundle-index's worth of evaluated matching and
// (optionally) label ciphertexts, streamed back as each BinBundle in
// a partition finishes evaluating rather than batched after the
// whole query completes.
type ResultPackage struct {
	BundleIdx    uint32
	PSIResult    []byte
	LabelResult  [][]byte
	NonceByteCount uint32
}

// Marshal writes a result package.
func (pkg *ResultPackage) Marshal(w io.Writer) error {
	if err := writeHeader(w, OpQuery); err != nil {
		return err
	}
	if err := writeUint32(w, pkg.BundleIdx); err != nil {
		return err
	}
	if err := writeData(w, pkg.PSIResult); err != nil {
		return err
	}
	if err := writeUint32(w, pkg.NonceByteCount); err != nil {
		return err
	}
	return writeDataSlice(w, pkg.LabelResult)
}

// ParseResultPackage reads a result package.
func ParseResultPackage(r io.Reader) (*ResultPackage, error) {
	hdr, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if hdr.Op != OpQuery {
		return nil, fmt.Errorf("%w: got op %s, want query", ErrInvalidRequest, hdr.Op)
	}
	bundleIdx, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	psiResult, err := readData(r)
	if err != nil {
		return nil, err
	}
	nonceCount, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	labelResult, err := readDataSlice(r)
	if err != nil {
		return nil, err
	}
	return &ResultPackage{
		BundleIdx:      bundleIdx,
		PSIResult:      psiResult,
		NonceByteCount: nonceCount,
		LabelResult:    labelResult,
	}, nil
}

func sortUint32s(s []uint32) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
