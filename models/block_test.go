package models

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"blocktree/blockchain/pow"
)

func TestIdentityString(t *testing.T) {
	require.Equal(t,
		"User(name=Genesis User, email=genesis@example.com, address=1234 Genesis Street, Origin City, faceId=GENESIS_FACE_ID, aadharCardNumber=0000-1111-2222)",
		GenesisIdentity().String(),
	)
}

func TestIdentityMatches(t *testing.T) {
	id := Identity{PrimaryID: "a1", SecondaryID: "s1"}
	require.True(t, id.Matches("a1"))
	require.True(t, id.Matches("s1"))
	require.False(t, id.Matches("x"))
	require.False(t, Identity{}.Matches(""))
}

func TestBlockValidate(t *testing.T) {
	block := &Block{
		ID:           1,
		Data:         Identity{Name: "alice", PrimaryID: "a1", SecondaryID: "s1"},
		Timestamp:    1700000000000,
		PreviousHash: GenesisPreviousHash,
	}
	res, err := pow.Seal(context.Background(), block.SealInput(), "0")
	require.NoError(t, err)
	block.Hash, block.Nonce = res.Hash, res.Nonce

	require.NoError(t, block.Validate("0"))

	tampered := *block
	tampered.Data.Address = "elsewhere"
	require.ErrorIs(t, tampered.Validate("0"), pow.ErrInvalidSeal)
}

func TestTreeNodeCount(t *testing.T) {
	tree := &TreeNode{Children: []*TreeNode{
		{},
		{Children: []*TreeNode{{}, {}}},
	}}
	require.Equal(t, 5, tree.Count())
}
