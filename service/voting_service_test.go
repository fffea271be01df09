package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"blocktree/blockchain/ledger"
	"blocktree/blockchain/pow"
	"blocktree/encryption"
	"blocktree/logging"
	"blocktree/models"
	"blocktree/notify"
	"blocktree/registry"
)

func newTestService(t *testing.T) *VotingService {
	t.Helper()
	ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))
	vs, err := NewVotingService(ctx, Config{Difficulty: "0", QueueSize: 4}, notify.LogNotifier{})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, vs.Close(context.Background()))
	})
	return vs
}

func TestServiceRegisterAndVote(t *testing.T) {
	vs := newTestService(t)
	bob := voter(1)

	block, err := vs.Register(context.Background(), bob)
	require.NoError(t, err)
	require.Equal(t, bob, block.Data)
	require.Equal(t, vs.Ledger().Genesis().Hash, block.PreviousHash)

	_, err = vs.CheckVote(bob.PrimaryID)
	require.ErrorIs(t, err, ErrNotVoted)

	receipt, err := vs.CastVote(bob.PrimaryID, "PartyX")
	require.NoError(t, err)
	require.NoError(t, vs.VerifyReceipt(receipt))

	party, err := vs.CheckVote(bob.PrimaryID)
	require.NoError(t, err)
	require.Equal(t, "PartyX", party)
	require.Equal(t, 1, vs.PartyVotes("PartyX"))
	require.Equal(t, map[string]int{"PartyX": 1}, vs.Results())

	_, err = vs.CastVote(bob.PrimaryID, "PartyY")
	require.ErrorIs(t, err, ErrAlreadyVoted)

	_, err = vs.CheckVote("nobody@example.com")
	require.ErrorIs(t, err, ErrNotRegistered)
}

func TestServiceRegisterDuplicate(t *testing.T) {
	vs := newTestService(t)

	_, err := vs.Register(context.Background(), voter(1))
	require.NoError(t, err)
	_, err = vs.Register(context.Background(), voter(1))
	require.ErrorIs(t, err, registry.ErrDuplicateRegistration)

	m := vs.Metrics()
	require.Equal(t, 1, m.TotalUsers)
	require.Equal(t, 2, m.TotalBlocks)
	require.Equal(t, 2, m.Registration.Count)
	require.Equal(t, 1, m.Registration.Failed)
}

func TestServiceUserAndUpdate(t *testing.T) {
	vs := newTestService(t)
	bob := voter(1)
	_, err := vs.Register(context.Background(), bob)
	require.NoError(t, err)

	user, err := vs.User(bob.SecondaryID)
	require.NoError(t, err)
	require.Equal(t, bob, *user)

	_, err = vs.User("missing")
	require.ErrorIs(t, err, registry.ErrUserNotFound)

	bob.Address = "1 Elm Street"
	require.NoError(t, vs.Update(bob))
	user, err = vs.User(bob.PrimaryID)
	require.NoError(t, err)
	require.Equal(t, "1 Elm Street", user.Address)

	require.ErrorIs(t, vs.Update(voter(2)), registry.ErrUserNotFound)
}

func TestServiceTreeAndVerify(t *testing.T) {
	vs := newTestService(t)
	for i := 1; i <= 3; i++ {
		_, err := vs.Register(context.Background(), voter(i))
		require.NoError(t, err)
	}

	require.Equal(t, 4, vs.Tree().Count())
	require.True(t, vs.Verify().Valid)
	report := vs.VerifySeals()
	require.True(t, report.Valid)
	require.Equal(t, 4, report.Checked)
}

func TestServiceShutdown(t *testing.T) {
	vs := newTestService(t)
	bob := voter(1)
	_, err := vs.Register(context.Background(), bob)
	require.NoError(t, err)

	vs.Shutdown()
	_, err = vs.Register(context.Background(), voter(2))
	require.ErrorIs(t, err, ledger.ErrShutdown)

	// Voting keeps working after shutdown.
	_, err = vs.CastVote(bob.PrimaryID, "PartyX")
	require.NoError(t, err)
	require.Equal(t, 1, vs.Metrics().TotalVotes)
}

func TestServiceRegisterAbandonedWait(t *testing.T) {
	release := make(chan struct{})
	seal := func(ctx context.Context, in pow.Input, prefix string) (pow.Result, error) {
		if in.PreviousHash != models.GenesisPreviousHash {
			<-release
		}
		return pow.Seal(ctx, in, prefix)
	}
	ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))
	vs, err := NewVotingService(ctx, Config{Difficulty: ""}, notify.LogNotifier{}, ledger.WithSealFunc(seal))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, vs.Close(context.Background()))
	})

	waitCtx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = vs.Register(waitCtx, voter(1))
	require.ErrorIs(t, err, context.Canceled)
	require.EqualValues(t, 1, vs.Metrics().Sealing)

	// The block is sealed regardless.
	close(release)
	require.Eventually(t, func() bool {
		return vs.Metrics().TotalBlocks == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, vs.Ledger().BlocksFor(voter(1)), 1)
}

func TestRegistrationOutcome(t *testing.T) {
	require.Equal(t, "sealed", registrationOutcome(nil))
	require.Equal(t, "duplicate", registrationOutcome(registry.ErrDuplicateRegistration))
	require.Equal(t, "invalid", registrationOutcome(registry.ErrInvalidIdentity))
	require.Equal(t, "shutdown", registrationOutcome(ledger.ErrShutdown))
	require.Equal(t, "failed", registrationOutcome(ledger.ErrSealingFailure))
	require.Equal(t, "abandoned", registrationOutcome(context.DeadlineExceeded))
}

func TestMetricsCollector(t *testing.T) {
	mc := NewMetricsCollector()
	start := time.Now()
	mc.RecordVote(start, nil)
	mc.RecordVote(start, ErrAlreadyVoted)

	voting := mc.Voting()
	require.Equal(t, 2, voting.Count)
	require.Equal(t, 1, voting.Failed)
	require.Equal(t, start, voting.StartTime)
	require.False(t, voting.EndTime.Before(start))
	require.Zero(t, mc.Registration().Count)

	mc.Reset()
	require.Equal(t, OperationMetrics{}, mc.Voting())
}

func TestServiceInvalidDifficulty(t *testing.T) {
	ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))
	_, err := NewVotingService(ctx, Config{Difficulty: "xyz"}, notify.LogNotifier{})
	require.Error(t, err)
}

func TestServiceVoteSurvivesEmailChange(t *testing.T) {
	vs := newTestService(t)
	bob := voter(1)
	_, err := vs.Register(context.Background(), bob)
	require.NoError(t, err)

	receipt, err := vs.CastVote(bob.PrimaryID, "PartyX")
	require.NoError(t, err)

	renamed := bob
	renamed.PrimaryID = "bob.renamed@example.com"
	require.NoError(t, vs.Update(renamed))

	_, err = vs.CastVote(renamed.PrimaryID, "PartyX")
	require.ErrorIs(t, err, ErrAlreadyVoted)
	require.Equal(t, 1, vs.PartyVotes("PartyX"))
	require.Equal(t, 1, vs.Metrics().TotalVotes)

	party, err := vs.CheckVote(renamed.PrimaryID)
	require.NoError(t, err)
	require.Equal(t, "PartyX", party)
	_, err = vs.CheckVote(bob.PrimaryID)
	require.ErrorIs(t, err, ErrNotRegistered)

	require.NoError(t, vs.VerifyReceipt(receipt))
}

func TestServiceTracksLastBlock(t *testing.T) {
	vs := newTestService(t)
	genesis := vs.Ledger().Genesis()
	require.Same(t, genesis, vs.LastBlock())
	require.Equal(t, genesis.Hash, vs.Metrics().LastBlock)

	var block *models.Block
	for i := 1; i <= 3; i++ {
		var err error
		block, err = vs.Register(context.Background(), voter(i))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return vs.LastBlock().Hash == block.Hash
	}, 5*time.Second, 10*time.Millisecond)
	m := vs.Metrics()
	require.Equal(t, block.Hash, m.LastBlock)
	require.Equal(t, block.ID, m.LastBlockID)
}

func TestServiceReceiptKeySurvivesRestart(t *testing.T) {
	const key = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))
	cfg := Config{Difficulty: "", QueueSize: 4, ReceiptKey: key}

	first, err := NewVotingService(ctx, cfg, notify.LogNotifier{})
	require.NoError(t, err)
	bob := voter(1)
	_, err = first.Register(context.Background(), bob)
	require.NoError(t, err)
	receipt, err := first.CastVote(bob.PrimaryID, "PartyX")
	require.NoError(t, err)
	require.NoError(t, first.Close(context.Background()))

	second, err := NewVotingService(ctx, cfg, notify.LogNotifier{})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, second.Close(context.Background()))
	})
	require.Equal(t, first.tally.cryptoService.Address(), second.tally.cryptoService.Address())

	digest := second.tally.cryptoService.Receipt(receipt.Voter, receipt.Party, receipt.ID, receipt.CastAt)
	require.Equal(t, receipt.Receipt, encryption.Encode(digest))
	sig, err := encryption.Decode(receipt.Signature)
	require.NoError(t, err)
	require.NoError(t, second.tally.cryptoService.Verify(digest, sig))

	_, err = NewVotingService(ctx, Config{Difficulty: "", ReceiptKey: "nothex"}, notify.LogNotifier{})
	require.Error(t, err)
}
