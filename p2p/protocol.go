//
// Copyright (c) 2019 Markku Rossi
//
// All rights reserved.
//

// Package p2p frames apsiproto messages over a live connection: the
// same length-prefixed, magic-stamped framing apsiproto already uses
// for one-shot buffers (apsiproto/wire.go), driven over a socket
// instead. Conn wraps a buffered duplex stream and tracks I/O volume;
// Server dispatches each inbound operation to the match engine.
package p2p

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/markkurossi/apsi/apsiproto"
)

type Conn struct {
	closer io.Closer
	io     *bufio.ReadWriter
	Stats  IOStats
}

type IOStats struct {
	Sent  uint64
	Recvd uint64
}

func (stats IOStats) Sub(o IOStats) IOStats {
	return IOStats{
		Sent:  stats.Sent - o.Sent,
		Recvd: stats.Recvd - o.Recvd,
	}
}

func (stats IOStats) Sum() uint64 {
	return stats.Sent + stats.Recvd
}

func NewConn(conn io.ReadWriter) *Conn {
	closer, _ := conn.(io.Closer)

	return &Conn{
		closer: closer,
		io: bufio.NewReadWriter(bufio.NewReader(conn),
			bufio.NewWriter(conn)),
	}
}

func (c *Conn) Flush() error {
	return c.io.Flush()
}

func (c *Conn) Close() error {
	if err := c.Flush(); err != nil {
		return err
	}
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

func (c *Conn) SendUint32(val int) error {
	err := binary.Write(c.io, binary.BigEndian, uint32(val))
	if err != nil {
		return err
	}
	c.Stats.Sent += 4
	return nil
}

func (c *Conn) SendData(val []byte) error {
	err := c.SendUint32(len(val))
	if err != nil {
		return err
	}
	_, err = c.io.Write(val)
	if err != nil {
		return err
	}
	c.Stats.Sent += uint64(len(val))
	return nil
}

func (c *Conn) ReceiveUint32() (int, error) {
	var buf [4]byte

	_, err := io.ReadFull(c.io, buf[:])
	if err != nil {
		return 0, err
	}
	c.Stats.Recvd += 4

	return int(binary.BigEndian.Uint32(buf[:])), nil
}

func (c *Conn) ReceiveData() ([]byte, error) {
	len, err := c.ReceiveUint32()
	if err != nil {
		return nil, err
	}

	result := make([]byte, len)
	_, err = io.ReadFull(c.io, result)
	if err != nil {
		return nil, err
	}
	c.Stats.Recvd += uint64(len)

	return result, nil
}

// operationHeaderSize is the byte length of apsiproto's magic,
// version, and operation fields -- three big-endian uint32s -- the
// window PeekOperation inspects without consuming.
const operationHeaderSize = 12

// PeekOperation looks ahead at the next message's operation code
// without consuming it, so Serve can dispatch to the right Receive*
// method. A server reading a stream of mixed parms/oprf/query
// requests has no other way to know which ParseXxxRequest to call
// next, since apsiproto's header is only exposed through the
// operation-specific Parse functions.
func (c *Conn) PeekOperation() (apsiproto.Operation, error) {
	buf, err := c.io.Peek(operationHeaderSize)
	if err != nil {
		return 0, err
	}
	return apsiproto.Operation(binary.BigEndian.Uint32(buf[8:12])), nil
}

// send marshals msg through a byte buffer first so Stats.Sent reports
// the exact wire length, then writes and flushes it in one go.
func (c *Conn) send(msg interface{ Marshal(io.Writer) error }) error {
	var buf bytes.Buffer
	if err := msg.Marshal(&buf); err != nil {
		return err
	}
	n, err := c.io.Write(buf.Bytes())
	c.Stats.Sent += uint64(n)
	if err != nil {
		return err
	}
	return c.Flush()
}

// countingReader tallies bytes read through it into *total, so
// Receive* methods can credit Stats.Recvd for messages parsed
// directly by apsiproto's ParseXxx functions.
type countingReader struct {
	r     io.Reader
	total *uint64
}

func (cr countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	*cr.total += uint64(n)
	return n, err
}

func (c *Conn) countedReader() io.Reader {
	return countingReader{r: c.io, total: &c.Stats.Recvd}
}

// SendParmsRequest asks the peer which PSIParams it is running.
func (c *Conn) SendParmsRequest() error {
	return c.send(&apsiproto.ParmsRequest{})
}

// ReceiveParmsRequest reads a parms request.
func (c *Conn) ReceiveParmsRequest() (*apsiproto.ParmsRequest, error) {
	return apsiproto.ParseParmsRequest(c.countedReader())
}

// SendParmsResponse answers a parms request with params.
func (c *Conn) SendParmsResponse(params *apsiproto.PSIParams) error {
	return c.send(&apsiproto.ParmsResponse{Params: params})
}

// ReceiveParmsResponse reads a parms response.
func (c *Conn) ReceiveParmsResponse() (*apsiproto.ParmsResponse, error) {
	return apsiproto.ParseParmsResponse(c.countedReader())
}

// SendOPRFRequest sends blindedItems, already packed by the caller's
// OPRF client, for the peer to evaluate.
func (c *Conn) SendOPRFRequest(blindedItems []byte) error {
	return c.send(&apsiproto.OPRFRequest{BlindedItems: blindedItems})
}

// ReceiveOPRFRequest reads an OPRF request.
func (c *Conn) ReceiveOPRFRequest() (*apsiproto.OPRFRequest, error) {
	return apsiproto.ParseOPRFRequest(c.countedReader())
}

// SendOPRFResponse answers an OPRF request with evaluatedItems.
func (c *Conn) SendOPRFResponse(evaluatedItems []byte) error {
	return c.send(&apsiproto.OPRFResponse{EvaluatedItems: evaluatedItems})
}

// ReceiveOPRFResponse reads an OPRF response.
func (c *Conn) ReceiveOPRFResponse() (*apsiproto.OPRFResponse, error) {
	return apsiproto.ParseOPRFResponse(c.countedReader())
}

// SendQueryRequest sends req to the sender.
func (c *Conn) SendQueryRequest(req *apsiproto.QueryRequest) error {
	return c.send(req)
}

// ReceiveQueryRequest reads a query request.
func (c *Conn) ReceiveQueryRequest() (*apsiproto.QueryRequest, error) {
	return apsiproto.ParseQueryRequest(c.countedReader())
}

// SendQueryResponse declares how many ResultPackages will follow.
func (c *Conn) SendQueryResponse(resp *apsiproto.QueryResponse) error {
	return c.send(resp)
}

// ReceiveQueryResponse reads a query response.
func (c *Conn) ReceiveQueryResponse() (*apsiproto.QueryResponse, error) {
	return apsiproto.ParseQueryResponse(c.countedReader())
}

// SendResultPackage streams one evaluated bundle index.
func (c *Conn) SendResultPackage(pkg *apsiproto.ResultPackage) error {
	return c.send(pkg)
}

// ReceiveResultPackage reads one result package.
func (c *Conn) ReceiveResultPackage() (*apsiproto.ResultPackage, error) {
	return apsiproto.ParseResultPackage(c.countedReader())
}

