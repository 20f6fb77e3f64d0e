//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

package query

import (
	"bytes"
	"testing"

	"github.com/markkurossi/apsi/apsiproto"
	"github.com/markkurossi/apsi/felt"
	"github.com/markkurossi/apsi/he/refhe"
	"github.com/markkurossi/apsi/oprf/hmacoprf"
	"github.com/markkurossi/apsi/powers"
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

func setupEngine(t *testing.T) (*Engine, *senderdb.DB, *refhe.Evaluator, *hmacoprf.OPRF) {
	t.Helper()
	enc := refhe.New(65537, 32, 2)
	params, err := senderdb.DeriveParams(testPSIParams(), enc, 4, 4)
	require.NoError(t, err)

	oprfFn, err := hmacoprf.New([]byte("query secret"), 64)
	require.NoError(t, err)

	db, err := senderdb.New(params, enc, oprfFn, []byte("query secret"), wpool.Serial(), 8, 4, 50)
	require.NoError(t, err)

	dag, err := powers.NewDag([]uint32{1}, []uint32{1, 2, 3})
	require.NoError(t, err)

	engine := NewEngine(db, enc, dag, wpool.Serial())
	return engine, db, enc, oprfFn
}

// repeatedQueryCiphertext encodes algItem's felts into every
// itemsPerBundle slot group of one bundle's plaintext and encrypts it,
// so the resulting ciphertext tests algItem against every slot group a
// bundle holds regardless of which one the sender actually placed it
// at.
func repeatedQueryCiphertext(t *testing.T, enc *refhe.Evaluator, algItem felt.AlgItem,
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

func TestServeFindsInsertedItem(t *testing.T) {
	engine, db, enc, oprfFn := setupEngine(t)

	require.NoError(t, db.InsertOrAssign([]senderdb.Entry{
		{Raw: []byte("alice"), Label: []byte("1234")},
		{Raw: []byte("bob"), Label: []byte("5678")},
	}))

	item, _, err := oprfFn.Evaluate([]byte("alice"))
	require.NoError(t, err)
	algItem, err := felt.AlgebraizeItem(item, db.Params().FeltsPerItem, db.Params().Modulus)
	require.NoError(t, err)

	ctBytes := repeatedQueryCiphertext(t, enc, algItem, db.Params().FeltsPerItem, db.Params().ItemsPerBundle)

	bundleIdxCount := db.Params().BundleIdxCount
	vec := make([][]byte, bundleIdxCount)
	for i := range vec {
		vec[i] = ctBytes
	}

	expectedPackages := engine.PackageCount()
	require.Greater(t, expectedPackages, uint32(0))

	out := make(chan apsiproto.ResultPackage, 16)
	err = engine.Serve(apsiproto.QueryRequest{Powers: map[uint32][][]byte{1: vec}}, out)
	require.NoError(t, err)

	var packages []apsiproto.ResultPackage
	for pkg := range out {
		packages = append(packages, pkg)
	}
	require.Len(t, packages, int(expectedPackages))

	foundZero := false
	for _, pkg := range packages {
		ct, err := enc.UnmarshalCiphertext(pkg.PSIResult)
		require.NoError(t, err)
		pt, err := enc.Decrypt(ct)
		require.NoError(t, err)
		for _, v := range pt.Felts() {
			if v == 0 {
				foundZero = true
			}
		}
		require.Len(t, pkg.LabelResult, db.Params().LabelSize)
		require.Equal(t, uint32(db.Params().NonceByteCount), pkg.NonceByteCount)
	}
	require.True(t, foundZero, "expected a zero psi_result slot where the inserted item's root lives")
}

// TestServeFindsItemAfterStripSaveLoad drives spec.md's strip-then-
// serve scenario end to end: strip a populated DB, save it, load it
// into a fresh DB instance (standing in for a new process), and serve
// a real query against the reloaded, stripped database. A prior bug
// left BinBundle's batched matching/interpolation cache out of
// Save/Load entirely, so a stripped database's reloaded bundles had no
// cache and could never answer a query again; this guards against that
// regression directly, rather than only checking Stripped() == true.
func TestServeFindsItemAfterStripSaveLoad(t *testing.T) {
	_, db, enc, oprfFn := setupEngine(t)

	require.NoError(t, db.InsertOrAssign([]senderdb.Entry{
		{Raw: []byte("alice"), Label: []byte("1234")},
		{Raw: []byte("bob"), Label: []byte("5678")},
	}))

	db.Strip()
	require.True(t, db.Stripped())

	var buf bytes.Buffer
	require.NoError(t, db.Save(&buf))

	loaded, err := senderdb.Load(&buf, enc, oprfFn, wpool.Serial(), 8, 4, 50)
	require.NoError(t, err)
	require.True(t, loaded.Stripped())

	dag, err := powers.NewDag([]uint32{1}, []uint32{1, 2, 3})
	require.NoError(t, err)
	reloadedEngine := NewEngine(loaded, enc, dag, wpool.Serial())

	item, _, err := oprfFn.Evaluate([]byte("alice"))
	require.NoError(t, err)
	algItem, err := felt.AlgebraizeItem(item, loaded.Params().FeltsPerItem, loaded.Params().Modulus)
	require.NoError(t, err)

	ctBytes := repeatedQueryCiphertext(t, enc, algItem, loaded.Params().FeltsPerItem, loaded.Params().ItemsPerBundle)
	vec := make([][]byte, loaded.Params().BundleIdxCount)
	for i := range vec {
		vec[i] = ctBytes
	}

	out := make(chan apsiproto.ResultPackage, 16)
	err = reloadedEngine.Serve(apsiproto.QueryRequest{Powers: map[uint32][][]byte{1: vec}}, out)
	require.NoError(t, err)

	foundZero := false
	for pkg := range out {
		ct, err := enc.UnmarshalCiphertext(pkg.PSIResult)
		require.NoError(t, err)
		pt, err := enc.Decrypt(ct)
		require.NoError(t, err)
		for _, v := range pt.Felts() {
			if v == 0 {
				foundZero = true
			}
		}
	}
	require.True(t, foundZero, "stripped-then-reloaded database must still find alice")
}

func TestServeRejectsWrongPowerCount(t *testing.T) {
	engine, _, _, _ := setupEngine(t)
	out := make(chan apsiproto.ResultPackage, 4)
	err := engine.Serve(apsiproto.QueryRequest{Powers: map[uint32][][]byte{}}, out)
	require.Error(t, err)
	_, ok := <-out
	require.False(t, ok)
}

func TestServeRejectsWrongVectorLength(t *testing.T) {
	engine, _, _, _ := setupEngine(t)
	out := make(chan apsiproto.ResultPackage, 4)
	err := engine.Serve(apsiproto.QueryRequest{
		Powers: map[uint32][][]byte{1: {[]byte("only-one-bundle")}},
	}, out)
	require.Error(t, err)
	_, ok := <-out
	require.False(t, ok)
}

func TestPackageCountTracksInserts(t *testing.T) {
	engine, db, _, _ := setupEngine(t)
	require.Equal(t, uint32(0), engine.PackageCount())

	require.NoError(t, db.InsertOrAssign([]senderdb.Entry{{Raw: []byte("carol"), Label: []byte("9999")}}))
	require.Greater(t, engine.PackageCount(), uint32(0))
}
