//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

package hmacoprf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluateIsDeterministicAndCached(t *testing.T) {
	o, err := New([]byte("server-secret"), 16)
	require.NoError(t, err)

	item1, key1, err := o.Evaluate([]byte("alice@example.com"))
	require.NoError(t, err)
	item2, key2, err := o.Evaluate([]byte("alice@example.com"))
	require.NoError(t, err)

	require.True(t, item1.Equal(item2))
	require.Equal(t, key1, key2)
}

func TestEvaluateDistinguishesInputs(t *testing.T) {
	o, err := New([]byte("server-secret"), 16)
	require.NoError(t, err)

	item1, _, err := o.Evaluate([]byte("alice"))
	require.NoError(t, err)
	item2, _, err := o.Evaluate([]byte("bob"))
	require.NoError(t, err)

	require.False(t, item1.Equal(item2))
}
