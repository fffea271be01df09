// Package ledger keeps sealed registration blocks in a hash-linked tree.
//
// Registration reserves the identity synchronously and seals its block on a
// goroutine of its own. The sealing goroutine picks the newest block as
// parent when it starts, without coordinating with other sealing goroutines,
// so registrations that seal concurrently may attach to the same parent. The
// ledger is therefore a tree rather than a chain, and every block still links
// back to genesis.
package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/iotaledger/hive.go/ds/shrinkingmap"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"blocktree/blockchain/pow"
	"blocktree/logging"
	"blocktree/models"
	"blocktree/registry"
)

var (
	ErrSealingFailure = errors.New("sealing failed")
	ErrShutdown       = errors.New("ledger is shut down")
)

type Config struct {
	// Difficulty is the lowercase hex prefix every block hash must start with.
	Difficulty string
}

type blockSet = shrinkingmap.ShrinkingMap[string, *models.Block]

func newBlockSet() *blockSet {
	return shrinkingmap.New[string, *models.Block]()
}

type Ledger struct {
	cfg    Config
	ctx    context.Context
	logger *zap.Logger
	seal   pow.SealFunc
	clock  func() time.Time

	genesis  *models.Block
	blocks   *blockSet
	children *shrinkingmap.ShrinkingMap[string, *blockSet]
	registry *registry.Registry

	blockFeed event.Feed

	closedMutex sync.RWMutex
	closed      bool
	tasks       sync.WaitGroup
	inFlight    atomic.Int64
}

// New seals the genesis block and returns a ledger holding only genesis.
func New(ctx context.Context, cfg Config, opts ...Option) (*Ledger, error) {
	options := newLedgerOptions{
		genesis: models.GenesisIdentity(),
		seal:    pow.Seal,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.registry == nil {
		options.registry = registry.New()
	}

	if err := pow.ValidatePrefix(cfg.Difficulty); err != nil {
		return nil, errors.Wrap(err, "configuring ledger")
	}

	ctx, logger := logging.Named(ctx, "ledger")
	l := &Ledger{
		cfg: cfg,
		// Sealing is never cancelled, so tasks run detached from the caller.
		ctx:      context.WithoutCancel(ctx),
		logger:   logger,
		seal:     options.seal,
		clock:    options.clock,
		blocks:   newBlockSet(),
		children: shrinkingmap.New[string, *blockSet](),
		registry: options.registry,
	}

	genesis, err := l.sealBlock(0, options.genesis, models.GenesisPreviousHash)
	if err != nil {
		return nil, errors.Wrap(err, "sealing genesis block")
	}
	l.genesis = genesis
	l.children.Set(genesis.Hash, newBlockSet())
	l.blocks.Set(genesis.Hash, genesis)

	logger.Info("genesis block created",
		zap.Int("id", genesis.ID),
		zap.String("hash", genesis.Hash),
		zap.String("difficulty", cfg.Difficulty),
	)
	return l, nil
}

// Register reserves identity and starts sealing its block. Reservation
// errors are returned immediately and leave no trace; sealing errors are
// reported through the returned task.
func (l *Ledger) Register(identity models.Identity) (*Task, error) {
	l.closedMutex.RLock()
	defer l.closedMutex.RUnlock()

	if l.closed {
		return nil, ErrShutdown
	}
	if err := l.registry.Reserve(identity); err != nil {
		l.logger.Warn("registration rejected",
			zap.String("email", identity.PrimaryID),
			zap.String("aadhar", identity.SecondaryID),
			zap.Error(err),
		)
		return nil, err
	}
	l.logger.Info("registering new user", zap.Stringer("user", identity))

	task := newTask(identity)
	l.tasks.Add(1)
	l.inFlight.Inc()
	sealingInFlightMetric.Inc()
	go l.run(task)

	return task, nil
}

func (l *Ledger) run(task *Task) {
	defer l.tasks.Done()
	defer sealingInFlightMetric.Dec()
	defer l.inFlight.Dec()

	block, err := l.appendBlock(task.identity)
	if err != nil {
		sealingFailuresMetric.Inc()
		l.logger.Error("sealing task failed", zap.String("email", task.identity.PrimaryID), zap.Error(err))
		task.fail(err)
		return
	}
	sealedBlocksMetric.Inc()
	task.resolve(block)
	l.blockFeed.Send(block)
}

func (l *Ledger) appendBlock(identity models.Identity) (block *models.Block, err error) {
	defer func() {
		if r := recover(); r != nil {
			block, err = nil, errors.Wrapf(ErrSealingFailure, "panic: %v", r)
		}
	}()

	parent := l.latestBlock()
	block, err = l.sealBlock(l.blocks.Size(), identity, parent.Hash)
	if err != nil {
		return nil, errors.Wrapf(ErrSealingFailure, "block for %s: %v", identity.PrimaryID, err)
	}

	l.children.GetOrCreate(block.Hash, newBlockSet)
	l.blocks.Set(block.Hash, block)
	siblings, _ := l.children.GetOrCreate(parent.Hash, newBlockSet)
	siblings.Set(block.Hash, block)

	l.logger.Info("new block added",
		zap.Int("id", block.ID),
		zap.String("hash", block.Hash),
		zap.String("parent", parent.Hash),
	)
	return block, nil
}

func (l *Ledger) sealBlock(id int, identity models.Identity, previousHash string) (*models.Block, error) {
	block := &models.Block{
		ID:           id,
		Data:         identity,
		Timestamp:    l.clock().UnixMilli(),
		PreviousHash: previousHash,
	}

	start := time.Now()
	res, err := l.seal(l.ctx, block.SealInput(), l.cfg.Difficulty)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)
	sealingLatencyMetric.Observe(elapsed.Seconds())

	block.Hash, block.Nonce = res.Hash, res.Nonce
	l.logger.Debug("sealed block", zap.Int("id", id), zap.Uint64("nonce", res.Nonce), zap.Duration("took", elapsed))
	return block, nil
}

// latestBlock returns the block with the newest timestamp. It reads the
// store without excluding concurrent insertions.
func (l *Ledger) latestBlock() *models.Block {
	latest := l.genesis
	l.blocks.ForEach(func(_ string, block *models.Block) bool {
		if newer(block, latest) {
			latest = block
		}
		return true
	})
	l.logger.Debug("latest block selected", zap.Int("id", latest.ID), zap.String("hash", latest.Hash))
	return latest
}

func newer(a, b *models.Block) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	if a.ID != b.ID {
		return a.ID > b.ID
	}
	return a.Hash > b.Hash
}

// Update overwrites the registered record for identity. No block is sealed,
// so the registry may diverge from the payloads recorded in the tree.
func (l *Ledger) Update(identity models.Identity) error {
	if err := l.registry.Update(identity); err != nil {
		l.logger.Warn("user update rejected", zap.String("email", identity.PrimaryID), zap.Error(err))
		return err
	}
	l.logger.Info("user updated", zap.Stringer("user", identity))
	return nil
}

// Lookup finds a registered identity by primary id, then by secondary id.
func (l *Ledger) Lookup(identifier string) (*models.Identity, bool) {
	return l.registry.Find(identifier)
}

func (l *Ledger) Registry() *registry.Registry {
	return l.registry
}

func (l *Ledger) Genesis() *models.Block {
	return l.genesis
}

func (l *Ledger) Difficulty() string {
	return l.cfg.Difficulty
}

func (l *Ledger) Block(hash string) (*models.Block, bool) {
	return l.blocks.Get(hash)
}

// Children returns the blocks sealed on top of hash, ordered by id.
func (l *Ledger) Children(hash string) []*models.Block {
	set, exists := l.children.Get(hash)
	if !exists {
		return nil
	}
	return sortBlocks(set.Values())
}

// BlocksFor returns every block whose payload equals identity.
func (l *Ledger) BlocksFor(identity models.Identity) []*models.Block {
	var matching []*models.Block
	l.blocks.ForEach(func(_ string, block *models.Block) bool {
		if block.Data == identity {
			matching = append(matching, block)
		}
		return true
	})
	return sortBlocks(matching)
}

func (l *Ledger) TotalUsers() int {
	return l.registry.Size()
}

func (l *Ledger) TotalBlocks() int {
	return l.blocks.Size()
}

// InFlight returns the number of sealing tasks currently running.
func (l *Ledger) InFlight() int64 {
	return l.inFlight.Load()
}

// SubscribeBlocks delivers every newly linked block to ch. Sealing
// goroutines block until ch accepts the block, so the subscriber must keep
// draining ch until it unsubscribes, and Drain does not finish before that.
func (l *Ledger) SubscribeBlocks(ch chan<- *models.Block) event.Subscription {
	return l.blockFeed.Subscribe(ch)
}

// Shutdown stops the ledger from accepting registrations. Tasks already
// running are neither cancelled nor awaited.
func (l *Ledger) Shutdown() {
	l.closedMutex.Lock()
	defer l.closedMutex.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	l.logger.Info("ledger shut down", zap.Int64("in_flight", l.inFlight.Load()))
}

// Drain shuts the ledger down and waits for running tasks to finish.
func (l *Ledger) Drain(ctx context.Context) error {
	l.Shutdown()

	done := make(chan struct{})
	go func() {
		l.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "draining %d sealing tasks", l.inFlight.Load())
	}
}

func sortBlocks(blocks []*models.Block) []*models.Block {
	sort.Slice(blocks, func(i, j int) bool {
		if blocks[i].ID != blocks[j].ID {
			return blocks[i].ID < blocks[j].ID
		}
		return blocks[i].Hash < blocks[j].Hash
	})
	return blocks
}
