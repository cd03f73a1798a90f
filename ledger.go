package ecash

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Ledger is the wallet history. Entries are never deleted individually and
// their status moves from pending to a terminal status once.
type Ledger struct {
	db    *badger.DB
	seq   *badger.Sequence
	clock func() time.Time

	mu sync.Mutex
}

func NewLedger(db *badger.DB) (*Ledger, error) {
	seq, err := db.GetSequence(txSequenceKey, 16)
	if err != nil {
		return nil, fmt.Errorf("ledger sequence: %w", err)
	}

	return &Ledger{
		db:    db,
		seq:   seq,
		clock: time.Now,
	}, nil
}

func (l *Ledger) Close() error {
	return l.seq.Release()
}

func transactionKey(id uint64) []byte {
	return buildIndexKey(txPrefix, id)
}

// Append records a new transaction at the head of the ledger and returns its id.
func (l *Ledger) Append(typ TransactionType, amount uint64, note, issuerURL string, status TransactionStatus) (uint64, error) {
	n, err := l.seq.Next()
	if err != nil {
		return 0, err
	}

	tx := &Transaction{
		ID:        n + 1,
		Type:      typ,
		Amount:    amount,
		Note:      note,
		IssuerURL: issuerURL,
		Timestamp: l.clock(),
		Status:    status,
	}

	b, err := json.Marshal(tx)
	if err != nil {
		return 0, err
	}

	if err := l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(transactionKey(tx.ID), b)
	}); err != nil {
		return 0, storageError(err)
	}

	slog.Debug("ledger append", "id", tx.ID, "type", typ, "amount", amount, "status", status)
	return tx.ID, nil
}

// SetStatus moves a pending transaction to status. Unknown ids and
// transactions already in a terminal status are left alone.
func (l *Ledger) SetStatus(id uint64, status TransactionStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return storageError(l.db.Update(func(txn *badger.Txn) error {
		var tx Transaction
		ok, err := getJSON(txn, transactionKey(id), &tx)
		if err != nil || !ok {
			return err
		}

		if tx.Status.Terminal() {
			slog.Debug("ledger status already final", "id", id, "status", tx.Status, "want", status)
			return nil
		}

		tx.Status = status
		b, err := json.Marshal(&tx)
		if err != nil {
			return err
		}

		return txn.Set(transactionKey(id), b)
	}))
}

func (l *Ledger) Find(id uint64) (*Transaction, error) {
	txn := l.db.NewTransaction(false)
	defer txn.Discard()

	var tx Transaction
	ok, err := getJSON(txn, transactionKey(id), &tx)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, ErrNotFound
	}

	return &tx, nil
}

// List returns transactions newest first. A limit of zero returns everything
// after offset.
func (l *Ledger) List(offset, limit int) ([]*Transaction, error) {
	txn := l.db.NewTransaction(false)
	defer txn.Discard()

	txs, err := listJSON[Transaction](txn, txPrefix)
	if err != nil {
		return nil, err
	}

	sort.Slice(txs, func(i, j int) bool {
		return txs[i].ID > txs[j].ID
	})

	if offset >= len(txs) {
		return []*Transaction{}, nil
	}

	txs = txs[offset:]
	if limit > 0 && limit < len(txs) {
		txs = txs[:limit]
	}

	return txs, nil
}

// Clear wipes the history. Only used when restoring from a seed phrase.
func (l *Ledger) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return deletePrefix(l.db, txPrefix)
}
