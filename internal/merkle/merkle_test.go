package merkle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendProducesDeterministicRoot(t *testing.T) {
	t1 := New()
	t2 := New()

	for _, seq := range []uint64{1, 2, 3} {
		t1.Append(seq, "output")
		t2.Append(seq, "output")
	}

	assert.Equal(t, t1.RootHash(), t2.RootHash())
}

func TestGenerateProofVerifiesInclusion(t *testing.T) {
	tree := New()
	var leafHash string
	for seq := uint64(1); seq <= 5; seq++ {
		root := tree.Append(seq, "output")
		if seq == 3 {
			leafHash = hashData(LeafData(seq, "output"))
			_ = root
		}
	}

	proof := tree.GenerateProof(leafHash)
	require.NotNil(t, proof)
	assert.True(t, VerifyProof(proof, tree.RootHash()))
}

func TestVerifyProofRejectsTamperedRoot(t *testing.T) {
	tree := New()
	tree.Append(1, "a")
	tree.Append(2, "b")

	proof := tree.GenerateProof(hashData(LeafData(1, "a")))
	require.NotNil(t, proof)
	assert.False(t, VerifyProof(proof, "not-the-real-root"))
}

func TestResetClearsTree(t *testing.T) {
	tree := New()
	tree.Append(1, "a")
	tree.Reset()
	assert.Equal(t, "", tree.RootHash())
}
