//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

package p2p

import (
	"fmt"

	"github.com/markkurossi/apsi/apsiproto"
	"github.com/markkurossi/apsi/felt"
)

// FetchParams runs one parms request/response round trip.
func (c *Conn) FetchParams() (*apsiproto.PSIParams, error) {
	if err := c.SendParmsRequest(); err != nil {
		return nil, err
	}
	resp, err := c.ReceiveParmsResponse()
	if err != nil {
		return nil, err
	}
	return resp.Params, nil
}

// EvaluateOPRF sends raws for the peer to hash and returns the
// resulting HashedItems in the same order.
func (c *Conn) EvaluateOPRF(raws [][]byte) ([]felt.HashedItem, error) {
	if err := c.SendOPRFRequest(packItems(raws)); err != nil {
		return nil, err
	}
	resp, err := c.ReceiveOPRFResponse()
	if err != nil {
		return nil, err
	}
	items, err := unpackHashedItems(resp.EvaluatedItems)
	if err != nil {
		return nil, err
	}
	if len(items) != len(raws) {
		return nil, fmt.Errorf("p2p: oprf response carries %d items, sent %d", len(items), len(raws))
	}
	return items, nil
}

// RunQuery sends req and collects every ResultPackage the sender
// streams back, having first read the QueryResponse declaring how
// many to expect.
func (c *Conn) RunQuery(req *apsiproto.QueryRequest) ([]apsiproto.ResultPackage, error) {
	if err := c.SendQueryRequest(req); err != nil {
		return nil, err
	}
	resp, err := c.ReceiveQueryResponse()
	if err != nil {
		return nil, err
	}
	packages := make([]apsiproto.ResultPackage, resp.PackageCount)
	for i := range packages {
		pkg, err := c.ReceiveResultPackage()
		if err != nil {
			return nil, err
		}
		packages[i] = *pkg
	}
	return packages, nil
}
