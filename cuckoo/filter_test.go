//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

package cuckoo

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func randomElem(t *testing.T) []byte {
	t.Helper()
	buf := make([]byte, 16)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return buf
}

func TestInsertContains(t *testing.T) {
	f, err := New(12, 1024, 500)
	require.NoError(t, err)

	e := randomElem(t)
	require.NoError(t, f.Insert(e))
	require.True(t, f.Contains(e))
}

func TestInsertRemoveEmptiesFilter(t *testing.T) {
	f, err := New(12, 1024, 500)
	require.NoError(t, err)

	elems := make([][]byte, 100)
	for i := range elems {
		elems[i] = randomElem(t)
		require.NoError(t, f.Insert(elems[i]))
	}
	for _, e := range elems {
		require.True(t, f.Contains(e))
	}
	for _, e := range elems {
		require.True(t, f.Remove(e))
	}
	require.Equal(t, 0, f.NumItems())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	f, err := New(10, 256, 500)
	require.NoError(t, err)
	elems := make([][]byte, 20)
	for i := range elems {
		elems[i] = randomElem(t)
		require.NoError(t, f.Insert(elems[i]))
	}

	var buf bytes.Buffer
	require.NoError(t, f.Save(&buf))

	loaded, err := Load(&buf)
	require.NoError(t, err)
	for _, e := range elems {
		require.True(t, loaded.Contains(e))
	}
	require.Equal(t, f.NumItems(), loaded.NumItems())
}

func TestNewRejectsNonPowerOfTwoBuckets(t *testing.T) {
	_, err := New(8, 100, 500)
	require.Error(t, err)
}

func TestLocationHasherDeterministicAndBounded(t *testing.T) {
	h, err := NewLocationHasher(3, 1024)
	require.NoError(t, err)

	var item [16]byte
	_, err = rand.Read(item[:])
	require.NoError(t, err)

	locs1 := h.Locations(item)
	locs2 := h.Locations(item)
	require.Equal(t, locs1, locs2)
	require.LessOrEqual(t, len(locs1), 3)
	for _, l := range locs1 {
		require.Less(t, l, uint64(1024))
	}
}

func TestLocationHasherRejectsBadParams(t *testing.T) {
	_, err := NewLocationHasher(0, 1024)
	require.Error(t, err)
	_, err = NewLocationHasher(9, 1024)
	require.Error(t, err)
	_, err = NewLocationHasher(3, 0)
	require.Error(t, err)
}
