//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

package apsiproto

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func testParams() *PSIParams {
	return &PSIParams{
		ItemParams:  ItemParams{FeltsPerItem: 8},
		TableParams: TableParams{TableSize: 1024, MaxItemsPerBin: 16, HashFuncCount: 3},
		QueryParams: QueryParams{PSLowDegree: 2, QueryPowers: []uint32{1, 2, 3, 6, 9, 12, 15}},
		SealParams:  []byte{1, 2, 3, 4},
	}
}

func TestPSIParamsValidateRejectsMissingOne(t *testing.T) {
	p := testParams()
	p.QueryParams.QueryPowers = []uint32{2, 3}
	require.Error(t, p.Validate())
}

func TestPSIParamsValidateRejectsZeroPower(t *testing.T) {
	p := testParams()
	p.QueryParams.QueryPowers = []uint32{0, 1}
	require.Error(t, p.Validate())
}

func TestPSIParamsValidateRejectsNonMultiplePower(t *testing.T) {
	p := testParams()
	p.QueryParams.PSLowDegree = 2
	p.QueryParams.QueryPowers = []uint32{1, 2, 5}
	require.Error(t, p.Validate())
}

func TestPSIParamsValidateAccepts(t *testing.T) {
	require.NoError(t, testParams().Validate())
}

func TestSuggestPlaintextModulusIsPrimeAndBatchingFriendly(t *testing.T) {
	p, err := SuggestPlaintextModulus(4096, 20)
	require.NoError(t, err)
	require.True(t, new(big.Int).SetUint64(p).ProbablyPrime(32))
	require.Equal(t, uint64(1), p%(2*4096))
	require.LessOrEqual(t, p, uint64(1)<<20-1)
}

func TestSuggestPlaintextModulusRejectsNonPowerOfTwoDegree(t *testing.T) {
	_, err := SuggestPlaintextModulus(100, 20)
	require.Error(t, err)
}

func TestParmsRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&ParmsRequest{}).Marshal(&buf))
	_, err := ParseParmsRequest(&buf)
	require.NoError(t, err)
}

func TestParmsResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	resp := &ParmsResponse{Params: testParams()}
	require.NoError(t, resp.Marshal(&buf))

	got, err := ParseParmsResponse(&buf)
	require.NoError(t, err)
	require.Equal(t, resp.Params.TableParams, got.Params.TableParams)
	require.Equal(t, resp.Params.QueryParams, got.Params.QueryParams)
	require.Equal(t, resp.Params.SealParams, got.Params.SealParams)
}

func TestParmsResponseRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&ParmsResponse{Params: testParams()}).Marshal(&buf))
	corrupted := buf.Bytes()
	corrupted[0] ^= 0xff
	_, err := ParseParmsResponse(bytes.NewReader(corrupted))
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestOPRFRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := &OPRFRequest{BlindedItems: []byte("blinded-items")}
	require.NoError(t, req.Marshal(&buf))
	got, err := ParseOPRFRequest(&buf)
	require.NoError(t, err)
	require.Equal(t, req.BlindedItems, got.BlindedItems)

	buf.Reset()
	resp := &OPRFResponse{EvaluatedItems: []byte("evaluated-items")}
	require.NoError(t, resp.Marshal(&buf))
	gotResp, err := ParseOPRFResponse(&buf)
	require.NoError(t, err)
	require.Equal(t, resp.EvaluatedItems, gotResp.EvaluatedItems)
}

func TestQueryRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := &QueryRequest{
		CompressionMode: 1,
		RelinKeys:       []byte("relin-keys"),
		Powers: map[uint32][][]byte{
			1: {[]byte("c1-b0"), []byte("c1-b1")},
			3: {[]byte("c3-b0"), []byte("c3-b1")},
			9: {[]byte("c9-b0"), []byte("c9-b1")},
		},
	}
	require.NoError(t, req.Marshal(&buf))

	got, err := ParseQueryRequest(&buf)
	require.NoError(t, err)
	require.Equal(t, req.CompressionMode, got.CompressionMode)
	require.Equal(t, req.RelinKeys, got.RelinKeys)
	require.Equal(t, req.Powers, got.Powers)
}

func TestQueryResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&QueryResponse{PackageCount: 7}).Marshal(&buf))
	got, err := ParseQueryResponse(&buf)
	require.NoError(t, err)
	require.Equal(t, uint32(7), got.PackageCount)
}

func TestResultPackageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	pkg := &ResultPackage{
		BundleIdx:      4,
		PSIResult:      []byte("psi-ciphertext"),
		NonceByteCount: 16,
		LabelResult:    [][]byte{[]byte("label-0"), []byte("label-1")},
	}
	require.NoError(t, pkg.Marshal(&buf))

	got, err := ParseResultPackage(&buf)
	require.NoError(t, err)
	require.Equal(t, pkg.BundleIdx, got.BundleIdx)
	require.Equal(t, pkg.PSIResult, got.PSIResult)
	require.Equal(t, pkg.NonceByteCount, got.NonceByteCount)
	require.Equal(t, pkg.LabelResult, got.LabelResult)
}

func TestResultPackageRoundTripWithoutLabels(t *testing.T) {
	var buf bytes.Buffer
	pkg := &ResultPackage{BundleIdx: 0, PSIResult: []byte("psi-only")}
	require.NoError(t, pkg.Marshal(&buf))

	got, err := ParseResultPackage(&buf)
	require.NoError(t, err)
	require.Empty(t, got.LabelResult)
}

func TestOperationString(t *testing.T) {
	require.Equal(t, "parms", OpParms.String())
	require.Equal(t, "oprf", OpOPRF.String())
	require.Equal(t, "query", OpQuery.String())
}
