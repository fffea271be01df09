package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"blocktree/logging"
	"blocktree/models"
	"blocktree/notify"
)

const (
	ConfirmationSubject = "Vote Confirmation"

	deliveryTimeout = 30 * time.Second
)

// NotificationQueue mails a confirmation for every vote the tally records.
// Voting never waits for delivery. Receipts wait in an unbounded pending
// list until the worker hands them to the notifier, one at a time.
type NotificationQueue struct {
	notifier notify.Notifier
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *zap.Logger

	// events only buffers between the vote feed and the pending list.
	events chan models.VoteCast
	sub    event.Subscription

	pendingMu sync.Mutex
	pending   []*models.VoteReceipt
	wake      chan struct{}

	stopping    chan struct{}
	forwardDone chan struct{}
	workerDone  chan struct{}
	stopOnce    sync.Once
	stopErr     error
}

func NewNotificationQueue(ctx context.Context, notifier notify.Notifier, bufferSize int) *NotificationQueue {
	if bufferSize < 1 {
		bufferSize = 1
	}
	ctx, logger := logging.Named(ctx, "notifications")
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &NotificationQueue{
		notifier:    notifier,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
		events:      make(chan models.VoteCast, bufferSize),
		wake:        make(chan struct{}, 1),
		stopping:    make(chan struct{}),
		forwardDone: make(chan struct{}),
		workerDone:  make(chan struct{}),
	}
}

// Start subscribes to tally and begins delivering notifications.
func (nq *NotificationQueue) Start(tally *VoteTally) {
	nq.sub = tally.SubscribeVotes(nq.events)

	go nq.forward()
	go nq.worker()
}

// Stop unsubscribes from the tally and delivers every pending confirmation.
// When ctx is done first, the delivery in progress is cancelled and the
// remaining confirmations are reported in the returned error.
func (nq *NotificationQueue) Stop(ctx context.Context) error {
	nq.stopOnce.Do(func() {
		if nq.sub == nil {
			return
		}
		nq.sub.Unsubscribe()
		close(nq.stopping)

		select {
		case <-nq.workerDone:
		case <-ctx.Done():
			nq.cancel()
			<-nq.workerDone
			left := nq.Pending()
			nq.logger.Warn("notification queue stopped before draining", zap.Int("undelivered", left))
			nq.stopErr = errors.Wrapf(ctx.Err(), "%d vote confirmations undelivered", left)
		}
		nq.cancel()
	})
	return nq.stopErr
}

// Enqueue appends receipt to the pending list. It never blocks on delivery.
func (nq *NotificationQueue) Enqueue(receipt *models.VoteReceipt) {
	nq.pendingMu.Lock()
	nq.pending = append(nq.pending, receipt)
	nq.pendingMu.Unlock()
	notificationsPendingMetric.Inc()

	select {
	case nq.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of confirmations not yet handed to the notifier.
func (nq *NotificationQueue) Pending() int {
	nq.pendingMu.Lock()
	defer nq.pendingMu.Unlock()
	return len(nq.pending)
}

func (nq *NotificationQueue) next() (*models.VoteReceipt, bool) {
	nq.pendingMu.Lock()
	defer nq.pendingMu.Unlock()
	if len(nq.pending) == 0 {
		return nil, false
	}
	receipt := nq.pending[0]
	nq.pending[0] = nil
	nq.pending = nq.pending[1:]
	notificationsPendingMetric.Dec()
	return receipt, true
}

func (nq *NotificationQueue) forward() {
	defer close(nq.forwardDone)

	for {
		select {
		case <-nq.stopping:
			nq.drainEvents()
			return
		case err := <-nq.sub.Err():
			if err != nil {
				nq.logger.Error("vote subscription failed", zap.Error(err))
			}
			nq.drainEvents()
			return
		case ev := <-nq.events:
			nq.Enqueue(ev.Receipt)
		}
	}
}

// drainEvents moves events delivered before the subscription ended.
func (nq *NotificationQueue) drainEvents() {
	for {
		select {
		case ev := <-nq.events:
			nq.Enqueue(ev.Receipt)
		default:
			return
		}
	}
}

func (nq *NotificationQueue) worker() {
	defer close(nq.workerDone)

	for {
		if nq.ctx.Err() != nil {
			return
		}
		if receipt, ok := nq.next(); ok {
			nq.deliver(receipt)
			continue
		}
		select {
		case <-nq.wake:
		case <-nq.forwardDone:
			if nq.Pending() == 0 {
				return
			}
		case <-nq.ctx.Done():
			return
		}
	}
}

func (nq *NotificationQueue) deliver(receipt *models.VoteReceipt) {
	ctx, cancel := context.WithTimeout(nq.ctx, deliveryTimeout)
	defer cancel()

	if err := nq.notifier.Notify(ctx, ConfirmationMessage(receipt)); err != nil {
		notificationsMetric.WithLabelValues("failed").Inc()
		nq.logger.Error("failed to send vote confirmation", zap.String("email", receipt.Voter), zap.Error(err))
		return
	}
	notificationsMetric.WithLabelValues("sent").Inc()
}

func ConfirmationMessage(receipt *models.VoteReceipt) notify.Message {
	return notify.Message{
		To:      receipt.Voter,
		Subject: ConfirmationSubject,
		Body: fmt.Sprintf("Your vote for %s has been recorded.\n\nReceipt: %s\nReceipt id: %s\n",
			receipt.Party, receipt.Receipt, receipt.ID),
	}
}
