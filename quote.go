package ecash

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	g "github.com/pandodao/generic"
)

const (
	DefaultQuotePollInterval = 5 * time.Second
	DefaultQuoteExpiry       = 3 * time.Minute

	mintedNote = "Minted via Lightning"
)

// IssuerResolver returns the service handle of an issuer.
type IssuerResolver func(issuerURL string) (IssuerService, error)

// QuoteMonitor owns the single pending funding quote and polls its issuer
// until the invoice settles or the quote expires.
type QuoteMonitor struct {
	db       *badger.DB
	proofs   *ProofStore
	ledger   *Ledger
	balances *BalanceCache
	resolve  IssuerResolver
	notify   Notifier
	clock    func() time.Time

	Interval time.Duration
	Expiry   time.Duration

	wake   chan struct{}
	mu     sync.Mutex
	pollMu sync.Mutex
}

func NewQuoteMonitor(
	db *badger.DB,
	proofs *ProofStore,
	ledger *Ledger,
	balances *BalanceCache,
	resolve IssuerResolver,
	notify Notifier,
) *QuoteMonitor {
	return &QuoteMonitor{
		db:       db,
		proofs:   proofs,
		ledger:   ledger,
		balances: balances,
		resolve:  resolve,
		notify:   notify,
		clock:    time.Now,
		Interval: DefaultQuotePollInterval,
		Expiry:   DefaultQuoteExpiry,
		wake:     make(chan struct{}, 1),
	}
}

// Request asks the issuer for a funding invoice and makes it the pending
// quote. A quote already pending is abandoned.
func (m *QuoteMonitor) Request(ctx context.Context, issuerURL string, amount uint64) (*PendingQuote, error) {
	if amount == 0 {
		return nil, ErrInvalidAmount
	}

	svc, err := m.resolve(issuerURL)
	if err != nil {
		return nil, err
	}

	q, err := svc.RequestFunding(ctx, amount)
	if err != nil {
		return nil, fmt.Errorf("request funding: %w", err)
	}

	return m.track(&PendingQuote{
		QuoteID:   q.QuoteID,
		Amount:    amount,
		IssuerURL: issuerURL,
		Request:   q.Request,
		CreatedAt: m.clock(),
	})
}

// track makes q the pending quote, replacing any other.
func (m *QuoteMonitor) track(q *PendingQuote) (*PendingQuote, error) {
	m.mu.Lock()
	err := m.db.Update(func(txn *badger.Txn) error {
		var old PendingQuote
		if ok, err := getJSON(txn, quoteKey, &old); err != nil {
			return err
		} else if ok {
			slog.Info("abandon pending quote", "quote", old.QuoteID, "mint", old.IssuerURL)
		}

		e := badger.NewEntry(quoteKey, g.Must(json.Marshal(q))).WithTTL(2 * m.Expiry)
		return txn.SetEntry(e)
	})
	m.mu.Unlock()

	if err != nil {
		return nil, storageError(err)
	}

	slog.Info("pending quote created", "quote", q.QuoteID, "mint", q.IssuerURL, "amount", q.Amount)
	kick(m.wake)
	return q, nil
}

// Current returns the pending quote, or nil.
func (m *QuoteMonitor) Current() (*PendingQuote, error) {
	txn := m.db.NewTransaction(false)
	defer txn.Discard()

	var q PendingQuote
	ok, err := getJSON(txn, quoteKey, &q)
	if err != nil || !ok {
		return nil, err
	}

	return &q, nil
}

// Cancel drops the pending quote without recording anything.
func (m *QuoteMonitor) Cancel() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(quoteKey)
	})
}

// discard removes the pending quote if it is still quoteID.
func (m *QuoteMonitor) discard(quoteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.db.Update(func(txn *badger.Txn) error {
		var q PendingQuote
		ok, err := getJSON(txn, quoteKey, &q)
		if err != nil || !ok || q.QuoteID != quoteID {
			return err
		}

		return txn.Delete(quoteKey)
	})
}

// Poll checks the pending quote once.
func (m *QuoteMonitor) Poll(ctx context.Context) error {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()

	q, err := m.Current()
	if err != nil || q == nil {
		return err
	}

	log := slog.With(
		slog.String("quote", q.QuoteID),
		slog.String("mint", q.IssuerURL),
		slog.Uint64("amount", q.Amount),
	)

	if m.clock().Sub(q.CreatedAt) > m.Expiry {
		log.Info("pending quote expired")
		metrics().quotePolls.WithLabelValues("expired").Inc()
		return m.discard(q.QuoteID)
	}

	svc, err := m.resolve(q.IssuerURL)
	if err != nil {
		log.Error("resolve issuer", slog.Any("err", err))
		metrics().quotePolls.WithLabelValues("error").Inc()
		return err
	}

	proofs, err := svc.TryFinalizeFunding(ctx, q.QuoteID, q.Amount)
	switch {
	case errors.Is(err, ErrQuoteNotPaid):
		metrics().quotePolls.WithLabelValues("not_paid").Inc()
		return nil
	case err != nil:
		log.Error("finalize funding", slog.Any("err", err))
		metrics().quotePolls.WithLabelValues("error").Inc()
		return err
	}

	metrics().quotePolls.WithLabelValues("paid").Inc()
	return m.settle(log, q, proofs)
}

func (m *QuoteMonitor) settle(log *slog.Logger, q *PendingQuote, proofs []Proof) error {
	if err := m.proofs.Append(q.IssuerURL, proofs); err != nil {
		// the quote stays so the user still sees it, the proofs are only
		// recoverable through restore now
		log.Error("store minted proofs", "proofs", sumProofs(proofs), slog.Any("err", err))
		return err
	}

	if _, err := m.ledger.Append(TransactionTypeReceive, q.Amount, mintedNote, q.IssuerURL, TransactionStatusPaid); err != nil {
		log.Error("record minted transaction", slog.Any("err", err))
	}

	if err := m.discard(q.QuoteID); err != nil {
		log.Error("discard settled quote", slog.Any("err", err))
	}

	m.balances.Invalidate()
	log.Info("pending quote settled")

	m.notify.emit(Event{
		Kind:      EventFunded,
		Amount:    q.Amount,
		IssuerURL: q.IssuerURL,
		Message:   fmt.Sprintf("Received %d sats!", q.Amount),
	})

	return nil
}

// Run polls while a quote is pending and sleeps until Request otherwise.
func (m *QuoteMonitor) Run(ctx context.Context) error {
	return runLoop(ctx, m.wake, func(ctx context.Context) <-chan time.Time {
		q, err := m.Current()
		if err != nil {
			slog.Error("read pending quote", slog.Any("err", err))
			return time.After(m.Interval)
		}

		if q == nil {
			return nil
		}

		_ = m.Poll(ctx)

		if q, _ := m.Current(); q == nil {
			return nil
		}

		return time.After(m.Interval)
	})
}
