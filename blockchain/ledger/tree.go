package ledger

import (
	"fmt"

	"go.uber.org/zap"

	"blocktree/models"
)

// TreeStructure exports the tree rooted at genesis. Blocks linked while the
// walk runs may or may not appear.
func (l *Ledger) TreeStructure() *models.TreeNode {
	visited := make(map[string]struct{})
	return l.buildNode(l.genesis, visited)
}

func (l *Ledger) buildNode(block *models.Block, visited map[string]struct{}) *models.TreeNode {
	visited[block.Hash] = struct{}{}
	node := &models.TreeNode{
		BlockID: block.ID,
		Hash:    block.Hash,
		Data:    block.Data,
	}
	for _, child := range l.Children(block.Hash) {
		if _, seen := visited[child.Hash]; seen {
			continue
		}
		node.Children = append(node.Children, l.buildNode(child, visited))
	}
	return node
}

// VerifyIntegrity reports whether every non-genesis block links to a stored
// block with exactly its previous hash.
func (l *Ledger) VerifyIntegrity() bool {
	return l.IntegrityReport().Valid
}

func (l *Ledger) IntegrityReport() *models.IntegrityReport {
	return l.checkBlocks(func(block *models.Block) string {
		return l.checkLink(block)
	})
}

// VerifySeals checks the links and additionally recomputes the digest of
// every block against the ledger difficulty.
func (l *Ledger) VerifySeals() *models.IntegrityReport {
	return l.checkBlocks(func(block *models.Block) string {
		if err := block.Validate(l.cfg.Difficulty); err != nil {
			return err.Error()
		}
		return l.checkLink(block)
	})
}

// checkLink exempts only the ledger's own genesis. Any other block carrying
// the genesis previous hash has no parent and fails.
func (l *Ledger) checkLink(block *models.Block) string {
	if block.Hash == l.genesis.Hash {
		return ""
	}
	parent, exists := l.blocks.Get(block.PreviousHash)
	if !exists {
		return fmt.Sprintf("previous block %s not found", block.PreviousHash)
	}
	if parent.Hash != block.PreviousHash {
		return fmt.Sprintf("previous block hash %s does not match %s", parent.Hash, block.PreviousHash)
	}
	return ""
}

func (l *Ledger) checkBlocks(check func(*models.Block) string) *models.IntegrityReport {
	report := &models.IntegrityReport{Valid: true}
	for _, block := range sortBlocks(l.blocks.Values()) {
		report.Checked++
		if reason := check(block); reason != "" {
			report.Valid = false
			report.OffendingHash = block.Hash
			report.Reason = reason
			l.logger.Warn("integrity check failed",
				zap.Int("id", block.ID),
				zap.String("hash", block.Hash),
				zap.String("reason", reason),
			)
			break
		}
	}
	return report
}
