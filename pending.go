package ecash

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/zyedidia/generic/mapset"
)

const (
	DefaultSendPollInterval = 30 * time.Second
	DefaultSendGrace        = 10 * time.Second
)

var ErrReclaimInProgress = errors.New("reclaim already in progress")

type ReclaimResult struct {
	Amount uint64 `json:"amount"`
	// AlreadyClaimed reports that the recipient redeemed the token first,
	// nothing was credited.
	AlreadyClaimed bool `json:"already_claimed"`
}

// SendMonitor tracks tokens handed to recipients until the issuer reports
// their proofs spent.
type SendMonitor struct {
	db       *badger.DB
	proofs   *ProofStore
	ledger   *Ledger
	balances *BalanceCache
	resolve  IssuerResolver
	notify   Notifier
	clock    func() time.Time

	Interval time.Duration
	Grace    time.Duration

	mu         sync.Mutex
	reclaiming mapset.Set[string]
	pollMu     sync.Mutex
}

func NewSendMonitor(
	db *badger.DB,
	proofs *ProofStore,
	ledger *Ledger,
	balances *BalanceCache,
	resolve IssuerResolver,
	notify Notifier,
) *SendMonitor {
	return &SendMonitor{
		db:         db,
		proofs:     proofs,
		ledger:     ledger,
		balances:   balances,
		resolve:    resolve,
		notify:     notify,
		clock:      time.Now,
		Interval:   DefaultSendPollInterval,
		Grace:      DefaultSendGrace,
		reclaiming: mapset.New[string](),
	}
}

func pendingKey(id string) []byte {
	return buildIndexKey(pendingPrefix, id)
}

// Add registers an outgoing token. proofs must already be gone from the
// live proof set.
func (m *SendMonitor) Add(token string, amount uint64, issuerURL string, proofs []Proof, txID uint64) (*PendingSend, error) {
	p := &PendingSend{
		ID:        uuid.NewString(),
		Token:     token,
		Amount:    amount,
		IssuerURL: issuerURL,
		Proofs:    proofs,
		CreatedAt: m.clock(),
		TxID:      txID,
	}

	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}

	if err := m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pendingKey(p.ID), b)
	}); err != nil {
		return nil, storageError(err)
	}

	return p, nil
}

// List returns the outstanding sends, newest first.
func (m *SendMonitor) List() ([]*PendingSend, error) {
	txn := m.db.NewTransaction(false)
	defer txn.Discard()

	sends, err := listJSON[PendingSend](txn, pendingPrefix)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(sends, func(i, j int) bool {
		return sends[i].CreatedAt.After(sends[j].CreatedAt)
	})

	return sends, nil
}

func (m *SendMonitor) Find(id string) (*PendingSend, error) {
	txn := m.db.NewTransaction(false)
	defer txn.Discard()

	var p PendingSend
	ok, err := getJSON(txn, pendingKey(id), &p)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, ErrNotFound
	}

	return &p, nil
}

// remove deletes the record and reports whether this call removed it.
func (m *SendMonitor) remove(id string) (bool, error) {
	var removed bool
	err := m.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(pendingKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}

			return err
		}

		removed = true
		return txn.Delete(pendingKey(id))
	})

	return removed, err
}

// settle finishes a send the recipient claimed. Only the caller that removes
// the record updates the ledger and notifies, so settling twice is harmless.
func (m *SendMonitor) settle(p *PendingSend, kind EventKind, msg string) (bool, error) {
	m.mu.Lock()
	removed, err := m.remove(p.ID)
	m.mu.Unlock()

	if err != nil || !removed {
		return false, err
	}

	if p.TxID > 0 {
		if err := m.ledger.SetStatus(p.TxID, TransactionStatusPaid); err != nil {
			slog.Error("mark send paid", "id", p.ID, "tx", p.TxID, slog.Any("err", err))
		}
	}

	m.notify.emit(Event{
		Kind:      kind,
		Amount:    p.Amount,
		IssuerURL: p.IssuerURL,
		Message:   msg,
	})

	return true, nil
}

// Poll checks every outstanding send once. A failing send does not stop the
// others.
func (m *SendMonitor) Poll(ctx context.Context) error {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()

	sends, err := m.List()
	if err != nil {
		slog.Error("list pending sends", slog.Any("err", err))
		return err
	}

	metrics().pendingSends.Set(float64(len(sends)))

	var errs []error
	for _, p := range sends {
		if ctx.Err() != nil {
			break
		}

		if err := m.check(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("pending send %s: %w", p.ID, err))
		}
	}

	return errors.Join(errs...)
}

func (m *SendMonitor) check(ctx context.Context, p *PendingSend) error {
	if len(p.Proofs) == 0 || m.clock().Sub(p.CreatedAt) < m.Grace {
		return nil
	}

	log := slog.With(
		slog.String("id", p.ID),
		slog.String("mint", p.IssuerURL),
		slog.Uint64("amount", p.Amount),
	)

	svc, err := m.resolve(p.IssuerURL)
	if err != nil {
		log.Error("resolve issuer", slog.Any("err", err))
		metrics().sendChecks.WithLabelValues("error").Inc()
		return err
	}

	states, err := svc.CheckSpent(ctx, p.Proofs)
	if err != nil {
		log.Error("check proofs spent", slog.Any("err", err))
		metrics().sendChecks.WithLabelValues("error").Inc()
		return err
	}

	for _, spent := range states {
		if !spent {
			metrics().sendChecks.WithLabelValues("outstanding").Inc()
			return nil
		}
	}

	// a reclaim of the same token spends the proofs too
	m.mu.Lock()
	busy := m.reclaiming.Has(p.ID)
	m.mu.Unlock()
	if busy {
		return nil
	}

	metrics().sendChecks.WithLabelValues("claimed").Inc()
	if ok, err := m.settle(p, EventTokenClaimed, fmt.Sprintf("%d sats token was claimed!", p.Amount)); err != nil {
		return err
	} else if ok {
		log.Info("pending send claimed")
	}

	return nil
}

// Reclaim redeems an outstanding token back into the wallet. When the
// recipient already redeemed it the send is settled instead and nothing is
// credited.
func (m *SendMonitor) Reclaim(ctx context.Context, id string) (*ReclaimResult, error) {
	p, err := m.Find(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.reclaiming.Has(id) {
		m.mu.Unlock()
		return nil, ErrReclaimInProgress
	}
	m.reclaiming.Put(id)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.reclaiming.Remove(id)
		m.mu.Unlock()
	}()

	svc, err := m.resolve(p.IssuerURL)
	if err != nil {
		return nil, err
	}

	proofs, err := svc.Redeem(ctx, p.Token)
	if errors.Is(err, ErrAlreadySpent) {
		if _, err := m.settle(p, EventAlreadyClaimed, "Token already claimed by recipient"); err != nil {
			return nil, err
		}

		return &ReclaimResult{AlreadyClaimed: true}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reclaim: %w", err)
	}

	amount := sumProofs(proofs)
	if err := m.proofs.Append(p.IssuerURL, proofs); err != nil {
		slog.Error("store reclaimed proofs", "id", p.ID, "amount", amount, slog.Any("err", err))
		return nil, err
	}

	m.mu.Lock()
	removed, err := m.remove(p.ID)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if removed && p.TxID > 0 {
		if err := m.ledger.SetStatus(p.TxID, TransactionStatusFailed); err != nil {
			slog.Error("mark reclaimed send failed", "tx", p.TxID, slog.Any("err", err))
		}
	}

	m.balances.Invalidate()
	m.notify.emit(Event{
		Kind:      EventReclaimed,
		Amount:    amount,
		IssuerURL: p.IssuerURL,
		Message:   fmt.Sprintf("Reclaimed %d sats!", amount),
	})

	return &ReclaimResult{Amount: amount}, nil
}

// Delete forgets an outstanding send. The token stays valid for whoever holds
// it, so callers must confirm.
func (m *SendMonitor) Delete(id string, confirmed bool) error {
	if !confirmed {
		return ErrConfirmationRequired
	}

	m.mu.Lock()
	removed, err := m.remove(id)
	m.mu.Unlock()

	if err != nil {
		return storageError(err)
	}

	if !removed {
		return ErrNotFound
	}

	return nil
}

func (m *SendMonitor) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return deletePrefix(m.db, pendingPrefix)
}

func (m *SendMonitor) Run(ctx context.Context) error {
	return runLoop(ctx, nil, func(ctx context.Context) <-chan time.Time {
		_ = m.Poll(ctx)
		return time.After(m.Interval)
	})
}
