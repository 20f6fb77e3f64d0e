//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

package p2p

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/markkurossi/apsi/apsiproto"
	"github.com/markkurossi/apsi/felt"
	"github.com/markkurossi/apsi/oprf"
	"github.com/markkurossi/apsi/query"
)

// Server answers the three sender operations -- parms, oprf, query --
// a receiver drives over a Conn. It plays the role circuit/player.go's
// per-opcode switch in Player.run plays for the OT/result exchange,
// widened to the match engine's request/response/stream shapes.
type Server struct {
	Params *apsiproto.PSIParams
	OPRF   oprf.OPRF
	Engine *query.Engine

	// OnQuery, when set, is called with each accepted QueryRequest
	// before its response starts streaming -- the hook apps/apsi-sender
	// uses to stamp a correlation id on its log line without this
	// package depending on a logging or UUID library of its own.
	OnQuery func(req *apsiproto.QueryRequest)
}

// NewServer builds a Server answering requests against params, an
// OPRF evaluator for raw items, and the query engine driving a
// SenderDB.
func NewServer(params *apsiproto.PSIParams, oprfFn oprf.OPRF, engine *query.Engine) *Server {
	return &Server{Params: params, OPRF: oprfFn, Engine: engine}
}

// Serve reads and answers operations from conn until the peer closes
// the connection or a message fails to parse. It returns nil on a
// clean EOF between messages, the same "EOF is not an error at a
// message boundary" convention circuit/player.go's Player.run uses.
func (s *Server) Serve(conn *Conn) error {
	for {
		op, err := conn.PeekOperation()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		switch op {
		case apsiproto.OpParms:
			err = s.handleParms(conn)
		case apsiproto.OpOPRF:
			err = s.handleOPRF(conn)
		case apsiproto.OpQuery:
			err = s.handleQuery(conn)
		default:
			return fmt.Errorf("p2p: unknown operation %s", op)
		}
		if err != nil {
			return err
		}
		if err := conn.Flush(); err != nil {
			return err
		}
	}
}

func (s *Server) handleParms(conn *Conn) error {
	if _, err := conn.ReceiveParmsRequest(); err != nil {
		return err
	}
	return conn.SendParmsResponse(s.Params)
}

func (s *Server) handleOPRF(conn *Conn) error {
	req, err := conn.ReceiveOPRFRequest()
	if err != nil {
		return err
	}
	items, err := unpackItems(req.BlindedItems)
	if err != nil {
		return fmt.Errorf("p2p: unpack oprf request: %w", err)
	}

	evaluated := make([]felt.HashedItem, len(items))
	for i, raw := range items {
		hashed, _, err := s.OPRF.Evaluate(raw)
		if err != nil {
			return fmt.Errorf("p2p: oprf evaluate: %w", err)
		}
		evaluated[i] = hashed
	}

	return conn.SendOPRFResponse(packHashedItems(evaluated))
}

func (s *Server) handleQuery(conn *Conn) error {
	req, err := conn.ReceiveQueryRequest()
	if err != nil {
		return err
	}
	if s.OnQuery != nil {
		s.OnQuery(req)
	}

	resp := &apsiproto.QueryResponse{PackageCount: s.Engine.PackageCount()}
	if err := conn.SendQueryResponse(resp); err != nil {
		return err
	}

	out := make(chan apsiproto.ResultPackage, 16)
	errCh := make(chan error, 1)
	go func() { errCh <- s.Engine.Serve(*req, out) }()

	for pkg := range out {
		pkg := pkg
		if err := conn.SendResultPackage(&pkg); err != nil {
			return err
		}
	}
	return <-errCh
}

// packItems length-prefixes a sequence of variable-length raw items
// into one buffer, the shape OPRFRequest.BlindedItems carries over the
// wire as an opaque blob. OPRFResponse.EvaluatedItems uses the
// fixed-width packHashedItems layout instead.
func packItems(items [][]byte) []byte {
	var n int
	for _, it := range items {
		n += 4 + len(it)
	}
	buf := make([]byte, 0, n)
	for _, it := range items {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(it)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, it...)
	}
	return buf
}

// unpackItems is the inverse of packItems.
func unpackItems(data []byte) ([][]byte, error) {
	var items [][]byte
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("p2p: truncated item length")
		}
		n := binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		if uint64(len(data)) < uint64(n) {
			return nil, fmt.Errorf("p2p: truncated item body")
		}
		items = append(items, data[:n])
		data = data[n:]
	}
	return items, nil
}

// packHashedItems concatenates HashedItems, each a fixed 16 bytes, so
// no length prefix is needed to recover the boundaries.
func packHashedItems(items []felt.HashedItem) []byte {
	buf := make([]byte, 0, 16*len(items))
	for _, it := range items {
		b := it.Bytes()
		buf = append(buf, b[:]...)
	}
	return buf
}

// unpackHashedItems is the inverse of packHashedItems.
func unpackHashedItems(data []byte) ([]felt.HashedItem, error) {
	if len(data)%16 != 0 {
		return nil, fmt.Errorf("p2p: hashed-item blob length %d not a multiple of 16", len(data))
	}
	items := make([]felt.HashedItem, len(data)/16)
	for i := range items {
		var b [16]byte
		copy(b[:], data[i*16:(i+1)*16])
		items[i].SetBytes(b)
	}
	return items, nil
}
