package models

import (
	"blocktree/blockchain/pow"
)

// GenesisPreviousHash is the previous hash recorded on the genesis block.
const GenesisPreviousHash = "0"

// Block is one sealed registration. Blocks are never modified after sealing.
type Block struct {
	ID           int      `json:"id"`
	Data         Identity `json:"data"`
	Timestamp    int64    `json:"timeStamp"` // Unix milliseconds
	PreviousHash string   `json:"previousHash"`
	Hash         string   `json:"hash"`
	Nonce        uint64   `json:"nonce"`
}

// SealInput returns the fields covered by the block hash.
func (b *Block) SealInput() pow.Input {
	return pow.Input{
		ID:           b.ID,
		Payload:      b.Data.String(),
		Timestamp:    b.Timestamp,
		PreviousHash: b.PreviousHash,
	}
}

// Validate recomputes the digest and checks the difficulty prefix.
func (b *Block) Validate(prefix string) error {
	return pow.Verify(b.SealInput(), b.Nonce, b.Hash, prefix)
}

// TreeNode is one node of the exported block tree.
type TreeNode struct {
	BlockID  int         `json:"blockId"`
	Hash     string      `json:"hash"`
	Data     Identity    `json:"data"`
	Children []*TreeNode `json:"children,omitempty"`
}

// Count returns the number of nodes in the subtree rooted at n.
func (n *TreeNode) Count() int {
	count := 1
	for _, child := range n.Children {
		count += child.Count()
	}
	return count
}

// IntegrityReport is the detailed result of a tree integrity check.
type IntegrityReport struct {
	Valid         bool   `json:"valid"`
	Checked       int    `json:"checked"`
	OffendingHash string `json:"offendingHash,omitempty"`
	Reason        string `json:"reason,omitempty"`
}
