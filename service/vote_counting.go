package service

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"blocktree/encryption"
	"blocktree/logging"
	"blocktree/models"
	"blocktree/registry"
)

var (
	ErrInvalidVote   = errors.New("voter and party must be provided")
	ErrNotRegistered = errors.New("user not registered")
	ErrAlreadyVoted  = errors.New("user already voted")
	ErrNotVoted      = errors.New("user has not voted")

	ErrUnknownReceipt = errors.New("receipt does not match a recorded vote")
)

// VoteTally records at most one vote per registered identity. Votes are
// keyed by registry serial, so an identity whose email changes keeps its
// vote.
type VoteTally struct {
	registry      *registry.Registry
	cryptoService *encryption.CryptoService
	logger        *zap.Logger
	clock         func() time.Time

	mu       sync.RWMutex
	votes    map[uint64]string              // registry serial -> party
	receipts map[string]*models.VoteReceipt // receipt id -> receipt
	counts   map[string]int                 // party -> votes

	voteFeed event.Feed
}

func NewVoteTally(ctx context.Context, reg *registry.Registry, cryptoService *encryption.CryptoService) *VoteTally {
	return &VoteTally{
		registry:      reg,
		cryptoService: cryptoService,
		logger:        logging.FromContext(ctx).Named("tally"),
		clock:         time.Now,
		votes:         make(map[uint64]string),
		receipts:      make(map[string]*models.VoteReceipt),
		counts:        make(map[string]int),
	}
}

// CastVote records primaryID's vote for party and returns a signed receipt.
func (vt *VoteTally) CastVote(primaryID, party string) (*models.VoteReceipt, error) {
	if primaryID == "" || party == "" {
		return nil, ErrInvalidVote
	}
	serial, registered := vt.registry.Serial(primaryID)
	if !registered {
		vt.logger.Warn("vote from unregistered user", zap.String("email", primaryID))
		return nil, ErrNotRegistered
	}

	receipt, err := vt.newReceipt(primaryID, party)
	if err != nil {
		return nil, err
	}

	vt.mu.Lock()
	if prev, voted := vt.votes[serial]; voted {
		vt.mu.Unlock()
		vt.logger.Warn("repeated vote rejected", zap.String("email", primaryID), zap.String("party", prev))
		return nil, ErrAlreadyVoted
	}
	vt.votes[serial] = party
	recorded := *receipt
	vt.receipts[receipt.ID] = &recorded
	vt.counts[party]++
	vt.mu.Unlock()

	votesMetric.WithLabelValues(party).Inc()
	vt.logger.Info("vote cast", zap.String("email", primaryID), zap.String("party", party), zap.String("receipt", receipt.Receipt))
	vt.voteFeed.Send(models.VoteCast{Receipt: receipt})
	return receipt, nil
}

func (vt *VoteTally) newReceipt(voter, party string) (*models.VoteReceipt, error) {
	receipt := &models.VoteReceipt{
		ID:     uuid.New().String(),
		Voter:  voter,
		Party:  party,
		CastAt: vt.clock().UnixMilli(),
	}
	digest := vt.cryptoService.Receipt(receipt.Voter, receipt.Party, receipt.ID, receipt.CastAt)
	sig, err := vt.cryptoService.Sign(digest)
	if err != nil {
		return nil, err
	}
	receipt.Receipt = encryption.Encode(digest)
	receipt.Signature = encryption.Encode(sig)
	return receipt, nil
}

// VerifyReceipt checks that receipt was issued by this tally and matches a
// recorded vote.
func (vt *VoteTally) VerifyReceipt(receipt *models.VoteReceipt) error {
	digest := vt.cryptoService.Receipt(receipt.Voter, receipt.Party, receipt.ID, receipt.CastAt)
	if encryption.Encode(digest) != receipt.Receipt {
		return errors.Wrap(ErrUnknownReceipt, "receipt digest mismatch")
	}
	sig, err := encryption.Decode(receipt.Signature)
	if err != nil {
		return err
	}
	if err := vt.cryptoService.Verify(digest, sig); err != nil {
		return err
	}
	vt.mu.RLock()
	recorded, exists := vt.receipts[receipt.ID]
	vt.mu.RUnlock()
	if !exists || recorded.Receipt != receipt.Receipt {
		return errors.Wrapf(ErrUnknownReceipt, "no vote for %s recorded for %s", receipt.Party, receipt.Voter)
	}
	return nil
}

func (vt *VoteTally) CountFor(party string) int {
	vt.mu.RLock()
	defer vt.mu.RUnlock()
	return vt.counts[party]
}

// VoteOf returns the party voted for by the identity currently registered
// under primaryID.
func (vt *VoteTally) VoteOf(primaryID string) (string, bool) {
	serial, registered := vt.registry.Serial(primaryID)
	if !registered {
		return "", false
	}
	vt.mu.RLock()
	defer vt.mu.RUnlock()
	party, voted := vt.votes[serial]
	return party, voted
}

// Results returns a copy of the per-party counts.
func (vt *VoteTally) Results() map[string]int {
	vt.mu.RLock()
	defer vt.mu.RUnlock()
	results := make(map[string]int, len(vt.counts))
	for party, count := range vt.counts {
		results[party] = count
	}
	return results
}

func (vt *VoteTally) TotalVotes() int {
	vt.mu.RLock()
	defer vt.mu.RUnlock()
	return len(vt.votes)
}

// SubscribeVotes delivers a VoteCast for every successful vote. CastVote
// blocks until every subscriber has received the event.
func (vt *VoteTally) SubscribeVotes(ch chan<- models.VoteCast) event.Subscription {
	return vt.voteFeed.Subscribe(ch)
}
