//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

package felt

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

const testPrime = Felt(65537)

func randomItem(t *testing.T) HashedItem {
	t.Helper()
	var buf [16]byte
	_, err := rand.Read(buf[:])
	require.NoError(t, err)
	var item HashedItem
	item.SetBytes(buf)
	return item
}

func TestAlgebraizationRoundTrip(t *testing.T) {
	for i := 0; i < 200; i++ {
		item := randomItem(t)
		alg, err := AlgebraizeItem(item, 8, testPrime)
		require.NoError(t, err)
		require.Len(t, alg, 8)

		got, err := DealgebraizeItem(alg, testPrime)
		require.NoError(t, err)

		bpf := BitsPerFelt(testPrime)
		itemBitCount := 8 * bpf
		if itemBitCount > 128 {
			itemBitCount = 128
		}
		mask := (HashedItem{D0: ^uint64(0), D1: ^uint64(0)})
		if itemBitCount < 64 {
			mask.D0 = (uint64(1) << uint(itemBitCount)) - 1
			mask.D1 = 0
		} else if itemBitCount < 128 {
			mask.D1 = (uint64(1) << uint(itemBitCount-64)) - 1
		}
		want := HashedItem{D0: item.D0 & mask.D0, D1: item.D1 & mask.D1}
		require.True(t, got.Equal(want), "round trip mismatch: got %v want %v", got, want)
	}
}

func TestAlgebraizeItemZeroExtendsShortItems(t *testing.T) {
	item := HashedItem{D0: 0x1, D1: 0}
	alg, err := AlgebraizeItem(item, 8, testPrime)
	require.NoError(t, err)
	got, err := DealgebraizeItem(alg, testPrime)
	require.NoError(t, err)
	require.True(t, got.Equal(item))
}

func TestBitsToFeltsRejectsZeroModulus(t *testing.T) {
	_, err := BitsToFelts([]byte{1, 2, 3}, 24, 0)
	require.ErrorIs(t, err, ErrInvalidModulus)
}

func TestFeltsToBitsRejectsTrailingUnread(t *testing.T) {
	felts := []Felt{1, 2, 3}
	bpf := BitsPerFelt(testPrime)
	_, err := FeltsToBits(felts, (len(felts)-1)*bpf, testPrime)
	require.ErrorIs(t, err, ErrBitCount)
}

func TestLabelRoundTrip(t *testing.T) {
	var key LabelKey
	_, err := rand.Read(key[:])
	require.NoError(t, err)

	label := []byte("HELLOAPSI"[:8])
	enc, err := EncryptLabel(label, key, 4, rand.Reader)
	require.NoError(t, err)
	require.Len(t, enc, 4+len(label))

	dec, err := DecryptLabel(enc, key, 4)
	require.NoError(t, err)
	require.Equal(t, label, dec)
}

func TestLabelRoundTripEmptyNonce(t *testing.T) {
	var key LabelKey
	_, err := rand.Read(key[:])
	require.NoError(t, err)

	label := []byte("no-nonce-label")
	enc, err := EncryptLabel(label, key, 0, rand.Reader)
	require.NoError(t, err)
	require.Len(t, enc, len(label))

	dec, err := DecryptLabel(enc, key, 0)
	require.NoError(t, err)
	require.Equal(t, label, dec)
}

func TestEncryptLabelRejectsBadNonceByteCount(t *testing.T) {
	var key LabelKey
	_, err := EncryptLabel([]byte("x"), key, 17, rand.Reader)
	require.ErrorIs(t, err, ErrNonceByteCount)
}

func TestAlgebraizeItemLabelUnlabeled(t *testing.T) {
	item := randomItem(t)
	entries, err := AlgebraizeItemLabel(item, nil, 8, testPrime)
	require.NoError(t, err)
	require.Len(t, entries, 8)
	for _, e := range entries {
		require.Empty(t, e.Label)
	}
}

func TestAlgebraizeItemLabelRoundTrip(t *testing.T) {
	item := randomItem(t)
	var key LabelKey
	_, err := rand.Read(key[:])
	require.NoError(t, err)

	label := []byte("HELLOAPSI")
	enc, err := EncryptLabel(label, key, 4, rand.Reader)
	require.NoError(t, err)

	entries, err := AlgebraizeItemLabel(item, enc, 8, testPrime)
	require.NoError(t, err)
	require.Len(t, entries, 8)

	gotItem, gotEnc, err := DealgebraizeItemLabel(entries, testPrime, len(enc))
	require.NoError(t, err)
	require.True(t, gotItem.Equal(item))
	require.Equal(t, []byte(enc), []byte(gotEnc))

	dec, err := DecryptLabel(gotEnc, key, 4)
	require.NoError(t, err)
	require.Equal(t, label, dec)
}
