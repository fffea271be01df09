package ledger

import (
	"time"

	"blocktree/blockchain/pow"
	"blocktree/models"
	"blocktree/registry"
)

// Option configures a Ledger.
type Option func(*newLedgerOptions)

type newLedgerOptions struct {
	registry *registry.Registry
	genesis  models.Identity
	seal     pow.SealFunc
	clock    func() time.Time
}

// WithRegistry makes the ledger deduplicate against an existing registry.
func WithRegistry(r *registry.Registry) Option {
	return func(opts *newLedgerOptions) {
		opts.registry = r
	}
}

// WithGenesis replaces the identity sealed into the genesis block.
func WithGenesis(identity models.Identity) Option {
	return func(opts *newLedgerOptions) {
		opts.genesis = identity
	}
}

func WithSealFunc(seal pow.SealFunc) Option {
	return func(opts *newLedgerOptions) {
		opts.seal = seal
	}
}

func WithClock(clock func() time.Time) Option {
	return func(opts *newLedgerOptions) {
		opts.clock = clock
	}
}
