// Package service ties the ledger, the vote tally and the vote
// notifications together behind the operations served over HTTP.
package service

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"blocktree/blockchain/ledger"
	"blocktree/encryption"
	"blocktree/logging"
	"blocktree/models"
	"blocktree/notify"
	"blocktree/registry"
)

type VotingService struct {
	ledger           *ledger.Ledger
	tally            *VoteTally
	notifications    *NotificationQueue
	metricsCollector *MetricsCollector
	logger           *zap.Logger

	blocks    chan *models.Block
	blockSub  event.Subscription
	watchDone chan struct{}
	lastBlock atomic.Pointer[models.Block]
}

type Config struct {
	Difficulty string
	// QueueSize buffers vote events between the tally and the
	// confirmation backlog.
	QueueSize int
	// ReceiptKey is the hex private key signing vote receipts. A fresh key
	// is generated when empty.
	ReceiptKey string
}

// NewVotingService creates the ledger and tally and starts delivering vote
// notifications through notifier.
func NewVotingService(ctx context.Context, cfg Config, notifier notify.Notifier, opts ...ledger.Option) (*VotingService, error) {
	ctx, logger := logging.Named(ctx, "service")

	reg := registry.New()
	opts = append([]ledger.Option{ledger.WithRegistry(reg)}, opts...)
	l, err := ledger.New(ctx, ledger.Config{Difficulty: cfg.Difficulty}, opts...)
	if err != nil {
		return nil, err
	}

	cryptoService, err := newCryptoService(cfg.ReceiptKey)
	if err != nil {
		return nil, err
	}
	logger.Info("receipt signing key ready",
		zap.String("address", cryptoService.Address()),
		zap.Bool("configured", cfg.ReceiptKey != ""),
	)

	tally := NewVoteTally(ctx, l.Registry(), cryptoService)
	notifications := NewNotificationQueue(ctx, notifier, cfg.QueueSize)
	notifications.Start(tally)

	vs := &VotingService{
		ledger:           l,
		tally:            tally,
		notifications:    notifications,
		metricsCollector: NewMetricsCollector(),
		logger:           logger,
		blocks:           make(chan *models.Block, cfg.QueueSize),
		watchDone:        make(chan struct{}),
	}
	vs.lastBlock.Store(l.Genesis())
	vs.blockSub = l.SubscribeBlocks(vs.blocks)
	go vs.watchBlocks()
	return vs, nil
}

func newCryptoService(hexKey string) (*encryption.CryptoService, error) {
	if hexKey == "" {
		return encryption.NewCryptoService()
	}
	return encryption.NewCryptoServiceWithKey(hexKey)
}

// watchBlocks drains the ledger's block feed so sealing goroutines never
// wait on it, and remembers the newest linked block.
func (vs *VotingService) watchBlocks() {
	defer close(vs.watchDone)

	for {
		select {
		case block := <-vs.blocks:
			vs.lastBlock.Store(block)
			vs.logger.Debug("block linked", zap.Int("id", block.ID), zap.String("hash", block.Hash))
		case err := <-vs.blockSub.Err():
			if err != nil {
				vs.logger.Error("block subscription failed", zap.Error(err))
			}
			return
		}
	}
}

// LastBlock returns the block most recently linked into the tree, or
// genesis before any registration has sealed.
func (vs *VotingService) LastBlock() *models.Block {
	return vs.lastBlock.Load()
}

// Register adds identity to the ledger and waits for its block to be sealed.
// If ctx is done first the block is still sealed in the background.
func (vs *VotingService) Register(ctx context.Context, identity models.Identity) (*models.Block, error) {
	start := time.Now()
	block, err := vs.register(ctx, identity)
	vs.metricsCollector.RecordRegistration(start, err)
	registrationsMetric.WithLabelValues(registrationOutcome(err)).Inc()
	return block, err
}

func (vs *VotingService) register(ctx context.Context, identity models.Identity) (*models.Block, error) {
	task, err := vs.ledger.Register(identity)
	if err != nil {
		return nil, err
	}
	block, err := task.Wait(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to add user %s", identity.PrimaryID)
	}
	return block, nil
}

func registrationOutcome(err error) string {
	switch {
	case err == nil:
		return "sealed"
	case errors.Is(err, registry.ErrDuplicateRegistration):
		return "duplicate"
	case errors.Is(err, registry.ErrInvalidIdentity):
		return "invalid"
	case errors.Is(err, ledger.ErrShutdown):
		return "shutdown"
	case errors.Is(err, ledger.ErrSealingFailure):
		return "failed"
	default:
		return "abandoned"
	}
}

func (vs *VotingService) Update(identity models.Identity) error {
	return vs.ledger.Update(identity)
}

func (vs *VotingService) CastVote(primaryID, party string) (*models.VoteReceipt, error) {
	start := time.Now()
	receipt, err := vs.tally.CastVote(primaryID, party)
	vs.metricsCollector.RecordVote(start, err)
	return receipt, err
}

func (vs *VotingService) PartyVotes(party string) int {
	return vs.tally.CountFor(party)
}

// CheckVote returns the party primaryID voted for.
func (vs *VotingService) CheckVote(primaryID string) (string, error) {
	if !vs.ledger.Registry().ContainsPrimary(primaryID) {
		return "", ErrNotRegistered
	}
	party, voted := vs.tally.VoteOf(primaryID)
	if !voted {
		return "", errors.Wrapf(ErrNotVoted, "user %s", primaryID)
	}
	return party, nil
}

func (vs *VotingService) Results() map[string]int {
	return vs.tally.Results()
}

func (vs *VotingService) VerifyReceipt(receipt *models.VoteReceipt) error {
	return vs.tally.VerifyReceipt(receipt)
}

// User looks up a registered identity by primary or secondary id.
func (vs *VotingService) User(identifier string) (*models.Identity, error) {
	identity, ok := vs.ledger.Lookup(identifier)
	if !ok {
		return nil, registry.ErrUserNotFound
	}
	return identity, nil
}

func (vs *VotingService) Tree() *models.TreeNode {
	return vs.ledger.TreeStructure()
}

func (vs *VotingService) Verify() *models.IntegrityReport {
	return vs.ledger.IntegrityReport()
}

func (vs *VotingService) VerifySeals() *models.IntegrityReport {
	return vs.ledger.VerifySeals()
}

func (vs *VotingService) Metrics() MetricsResponse {
	last := vs.LastBlock()
	return MetricsResponse{
		TotalUsers:   vs.ledger.TotalUsers(),
		TotalBlocks:  vs.ledger.TotalBlocks(),
		TotalVotes:   vs.tally.TotalVotes(),
		Sealing:      vs.ledger.InFlight(),
		LastBlockID:  last.ID,
		LastBlock:    last.Hash,
		Registration: vs.metricsCollector.Registration(),
		Voting:       vs.metricsCollector.Voting(),
	}
}

func (vs *VotingService) Ledger() *ledger.Ledger {
	return vs.ledger
}

func (vs *VotingService) Tally() *VoteTally {
	return vs.tally
}

// Shutdown stops accepting registrations. Voting and lookups keep working.
func (vs *VotingService) Shutdown() {
	vs.ledger.Shutdown()
}

// Close shuts the ledger down and waits until ctx is done for the sealing
// tasks and then for the pending vote confirmations. It returns the first
// step that did not finish.
func (vs *VotingService) Close(ctx context.Context) error {
	drainErr := vs.ledger.Drain(ctx)
	if drainErr != nil {
		vs.logger.Warn("sealing tasks still running at close", zap.Error(drainErr))
	}
	vs.blockSub.Unsubscribe()
	<-vs.watchDone

	stopErr := vs.notifications.Stop(ctx)
	if stopErr != nil {
		vs.logger.Warn("vote confirmations still pending at close", zap.Error(stopErr))
	}

	if drainErr != nil {
		return drainErr
	}
	return stopErr
}
