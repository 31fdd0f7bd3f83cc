package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMerkleRootEmpty(t *testing.T) {
	require.Equal(t, [32]byte{}, MerkleRoot(nil))
}

func TestMerkleRootSingleLeaf(t *testing.T) {
	leaf := SHA256([]byte("a"))
	require.Equal(t, leaf, MerkleRoot([][32]byte{leaf}))
}

func TestMerkleRootOddLevelDuplicatesLastLeaf(t *testing.T) {
	a := SHA256([]byte("a"))
	b := SHA256([]byte("b"))
	c := SHA256([]byte("c"))

	threeLeaves := MerkleRoot([][32]byte{a, b, c})
	fourLeavesWithDupe := MerkleRoot([][32]byte{a, b, c, c})
	require.Equal(t, fourLeavesWithDupe, threeLeaves)
}

func TestMerkleRootOrderSensitive(t *testing.T) {
	a := SHA256([]byte("a"))
	b := SHA256([]byte("b"))
	require.NotEqual(t, MerkleRoot([][32]byte{a, b}), MerkleRoot([][32]byte{b, a}))
}
