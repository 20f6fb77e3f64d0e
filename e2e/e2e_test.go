//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

// Package e2e drives a full sender/receiver round trip over a live
// p2p.Conn pair -- parms negotiation, OPRF evaluation, and a query --
// the way query/query_test.go exercises query.Engine directly but one
// layer further out, through the wire framing apps/apsi-sender and a
// real receiver would actually speak.
package e2e

import (
	"bytes"
	"testing"

	"github.com/markkurossi/apsi/apsiproto"
	"github.com/markkurossi/apsi/felt"
	"github.com/markkurossi/apsi/he/refhe"
	"github.com/markkurossi/apsi/oprf/hmacoprf"
	"github.com/markkurossi/apsi/p2p"
	"github.com/markkurossi/apsi/powers"
	"github.com/markkurossi/apsi/query"
	"github.com/markkurossi/apsi/senderdb"
	"github.com/markkurossi/apsi/wpool"
	"github.com/stretchr/testify/require"
)

func testPSIParams() *apsiproto.PSIParams {
	return &apsiproto.PSIParams{
		ItemParams:  apsiproto.ItemParams{FeltsPerItem: 8},
		TableParams: apsiproto.TableParams{TableSize: 8, MaxItemsPerBin: 3, HashFuncCount: 2},
		QueryParams: apsiproto.QueryParams{PSLowDegree: 0, QueryPowers: []uint32{1}},
	}
}

// harness bundles the pieces a sender needs to answer a live Conn, plus
// the secret and evaluator a test client reuses to algebraize its own
// query items the way a real receiver would after an OPRF round trip.
type harness struct {
	server *p2p.Server
	db     *senderdb.DB
	enc    *refhe.Evaluator
	oprfFn *hmacoprf.OPRF
}

func setupHarness(t *testing.T) *harness {
	t.Helper()

	psiParams := testPSIParams()
	enc := refhe.New(65537, 32, 2)
	dbParams, err := senderdb.DeriveParams(psiParams, enc, 4, 4)
	require.NoError(t, err)

	oprfFn, err := hmacoprf.New([]byte("e2e secret"), 64)
	require.NoError(t, err)

	db, err := senderdb.New(dbParams, enc, oprfFn, []byte("e2e secret"), wpool.Serial(), 8, 4, 50)
	require.NoError(t, err)

	require.NoError(t, db.InsertOrAssign([]senderdb.Entry{
		{Raw: []byte("alice"), Label: []byte("1234")},
		{Raw: []byte("bob"), Label: []byte("5678")},
	}))

	dag, err := powers.NewDag([]uint32{1}, []uint32{1, 2, 3})
	require.NoError(t, err)
	engine := query.NewEngine(db, enc, dag, wpool.Serial())

	server := p2p.NewServer(psiParams, oprfFn, engine)
	return &harness{server: server, db: db, enc: enc, oprfFn: oprfFn}
}

// serve runs h.server against its end of a freshly made Pipe in the
// background and returns the client's end, ready for FetchParams,
// EvaluateOPRF, and RunQuery calls.
func (h *harness) serve(t *testing.T) (*p2p.Conn, <-chan error) {
	t.Helper()
	serverConn, clientConn := p2p.Pipe()
	done := make(chan error, 1)
	go func() { done <- h.server.Serve(serverConn) }()
	return clientConn, done
}

// buildQueryCiphertext mirrors repeatedQueryCiphertext in
// query/query_test.go: it replicates the item's algebraized felts into
// every slot group of one bundle's plaintext and reuses the resulting
// ciphertext at every bundle index, so the test does not need to
// reproduce cuckoo-hash placement to land the query on the right slot.
func buildQueryCiphertext(t *testing.T, enc *refhe.Evaluator, algItem felt.AlgItem,
	feltsPerItem, itemsPerBundle int) []byte {
	t.Helper()
	values := make([]felt.Felt, itemsPerBundle*feltsPerItem)
	for g := 0; g < itemsPerBundle; g++ {
		copy(values[g*feltsPerItem:(g+1)*feltsPerItem], algItem)
	}
	pt, err := enc.Encode(values)
	require.NoError(t, err)
	ct, err := enc.Encrypt(pt)
	require.NoError(t, err)
	data, err := enc.MarshalCiphertext(ct)
	require.NoError(t, err)
	return data
}

func TestFullRoundTripFindsInsertedItem(t *testing.T) {
	h := setupHarness(t)
	clientConn, done := h.serve(t)

	fetchedParams, err := clientConn.FetchParams()
	require.NoError(t, err)
	require.Equal(t, uint32(h.db.Params().FeltsPerItem), fetchedParams.ItemParams.FeltsPerItem)
	require.Equal(t, testPSIParams().TableParams, fetchedParams.TableParams)

	evaluated, err := clientConn.EvaluateOPRF([][]byte{[]byte("alice"), []byte("nobody")})
	require.NoError(t, err)
	require.Len(t, evaluated, 2)

	// A receiver's own oprfFn.Evaluate must agree with what the wire
	// round trip returned, since both sides share the same OPRF
	// instance in this test -- a real receiver only ever sees the
	// evaluated item, never the sender's secret.
	wantAlice, _, err := h.oprfFn.Evaluate([]byte("alice"))
	require.NoError(t, err)
	require.True(t, evaluated[0].Equal(wantAlice))

	params := h.db.Params()
	algItem, err := felt.AlgebraizeItem(evaluated[0], params.FeltsPerItem, params.Modulus)
	require.NoError(t, err)
	ctBytes := buildQueryCiphertext(t, h.enc, algItem, params.FeltsPerItem, params.ItemsPerBundle)

	vec := make([][]byte, params.BundleIdxCount)
	for i := range vec {
		vec[i] = ctBytes
	}
	packages, err := clientConn.RunQuery(&apsiproto.QueryRequest{Powers: map[uint32][][]byte{1: vec}})
	require.NoError(t, err)
	require.NotEmpty(t, packages)

	foundZero := false
	for _, pkg := range packages {
		ct, err := h.enc.UnmarshalCiphertext(pkg.PSIResult)
		require.NoError(t, err)
		pt, err := h.enc.Decrypt(ct)
		require.NoError(t, err)
		for _, v := range pt.Felts() {
			if v == 0 {
				foundZero = true
			}
		}
		require.Len(t, pkg.LabelResult, params.LabelSize)
		require.Equal(t, uint32(params.NonceByteCount), pkg.NonceByteCount)
	}
	require.True(t, foundZero, "expected a zero psi_result slot where alice lives")

	require.NoError(t, clientConn.Close())
	require.NoError(t, <-done)
}

func TestFullRoundTripMissesAbsentItem(t *testing.T) {
	h := setupHarness(t)
	clientConn, done := h.serve(t)

	evaluated, err := clientConn.EvaluateOPRF([][]byte{[]byte("nobody")})
	require.NoError(t, err)
	require.Len(t, evaluated, 1)

	params := h.db.Params()
	algItem, err := felt.AlgebraizeItem(evaluated[0], params.FeltsPerItem, params.Modulus)
	require.NoError(t, err)
	ctBytes := buildQueryCiphertext(t, h.enc, algItem, params.FeltsPerItem, params.ItemsPerBundle)

	vec := make([][]byte, params.BundleIdxCount)
	for i := range vec {
		vec[i] = ctBytes
	}
	packages, err := clientConn.RunQuery(&apsiproto.QueryRequest{Powers: map[uint32][][]byte{1: vec}})
	require.NoError(t, err)
	require.NotEmpty(t, packages)

	foundZero := false
	for _, pkg := range packages {
		ct, err := h.enc.UnmarshalCiphertext(pkg.PSIResult)
		require.NoError(t, err)
		pt, err := h.enc.Decrypt(ct)
		require.NoError(t, err)
		for _, v := range pt.Felts() {
			if v == 0 {
				foundZero = true
			}
		}
	}
	require.False(t, foundZero, "an item never inserted must never match")

	require.NoError(t, clientConn.Close())
	require.NoError(t, <-done)
}

// TestFullRoundTripSurvivesStripSaveLoad runs spec.md's "strip then
// serve" scenario over the live wire protocol: strip the sender's
// database, save it, load it into a fresh DB/Engine/Server standing in
// for a new process, and confirm a receiver driving that new server
// over a fresh Pipe still gets correct match and non-match results.
func TestFullRoundTripSurvivesStripSaveLoad(t *testing.T) {
	h := setupHarness(t)

	h.db.Strip()
	require.True(t, h.db.Stripped())

	var buf bytes.Buffer
	require.NoError(t, h.db.Save(&buf))

	loaded, err := senderdb.Load(&buf, h.enc, h.oprfFn, wpool.Serial(), 8, 4, 50)
	require.NoError(t, err)
	require.True(t, loaded.Stripped())

	psiParams := testPSIParams()
	dag, err := powers.NewDag([]uint32{1}, []uint32{1, 2, 3})
	require.NoError(t, err)
	reloadedEngine := query.NewEngine(loaded, h.enc, dag, wpool.Serial())
	reloadedServer := p2p.NewServer(psiParams, h.oprfFn, reloadedEngine)

	serverConn, clientConn := p2p.Pipe()
	done := make(chan error, 1)
	go func() { done <- reloadedServer.Serve(serverConn) }()

	evaluated, err := clientConn.EvaluateOPRF([][]byte{[]byte("alice"), []byte("nobody")})
	require.NoError(t, err)
	require.Len(t, evaluated, 2)

	params := loaded.Params()

	aliceItem, err := felt.AlgebraizeItem(evaluated[0], params.FeltsPerItem, params.Modulus)
	require.NoError(t, err)
	aliceCT := buildQueryCiphertext(t, h.enc, aliceItem, params.FeltsPerItem, params.ItemsPerBundle)
	aliceVec := make([][]byte, params.BundleIdxCount)
	for i := range aliceVec {
		aliceVec[i] = aliceCT
	}
	alicePackages, err := clientConn.RunQuery(&apsiproto.QueryRequest{Powers: map[uint32][][]byte{1: aliceVec}})
	require.NoError(t, err)
	require.True(t, anyZeroSlot(t, h.enc, alicePackages), "alice must still match after strip/save/load")

	nobodyItem, err := felt.AlgebraizeItem(evaluated[1], params.FeltsPerItem, params.Modulus)
	require.NoError(t, err)
	nobodyCT := buildQueryCiphertext(t, h.enc, nobodyItem, params.FeltsPerItem, params.ItemsPerBundle)
	nobodyVec := make([][]byte, params.BundleIdxCount)
	for i := range nobodyVec {
		nobodyVec[i] = nobodyCT
	}
	nobodyPackages, err := clientConn.RunQuery(&apsiproto.QueryRequest{Powers: map[uint32][][]byte{1: nobodyVec}})
	require.NoError(t, err)
	require.False(t, anyZeroSlot(t, h.enc, nobodyPackages), "an item never inserted must never match")

	require.NoError(t, clientConn.Close())
	require.NoError(t, <-done)
}

func anyZeroSlot(t *testing.T, enc *refhe.Evaluator, packages []apsiproto.ResultPackage) bool {
	t.Helper()
	for _, pkg := range packages {
		ct, err := enc.UnmarshalCiphertext(pkg.PSIResult)
		require.NoError(t, err)
		pt, err := enc.Decrypt(ct)
		require.NoError(t, err)
		for _, v := range pt.Felts() {
			if v == 0 {
				return true
			}
		}
	}
	return false
}

func TestFetchParamsMatchesEngineConfiguration(t *testing.T) {
	h := setupHarness(t)
	clientConn, done := h.serve(t)

	fetchedParams, err := clientConn.FetchParams()
	require.NoError(t, err)
	require.Equal(t, testPSIParams().QueryParams, fetchedParams.QueryParams)

	require.NoError(t, clientConn.Close())
	require.NoError(t, <-done)
}
