package ecash

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/zyedidia/generic/mapset"
)

// ProofStore persists the unspent proofs of every issuer, one sealed value
// per issuer.
type ProofStore struct {
	db *badger.DB

	mu     sync.Mutex
	keyMu  sync.RWMutex
	key    []byte
	onSave []func(issuerURL string)
}

func NewProofStore(db *badger.DB) *ProofStore {
	return &ProofStore{db: db}
}

// SetKey sets the encryption key. A nil key stores proofs in plain JSON.
func (s *ProofStore) SetKey(key []byte) {
	s.keyMu.Lock()
	s.key = key
	s.keyMu.Unlock()
}

func (s *ProofStore) encryptionKey() []byte {
	s.keyMu.RLock()
	defer s.keyMu.RUnlock()
	return s.key
}

// OnSave registers fn to run after every successful write.
func (s *ProofStore) OnSave(fn func(issuerURL string)) {
	s.onSave = append(s.onSave, fn)
}

func (s *ProofStore) saved(issuerURL string) {
	for _, fn := range s.onSave {
		fn(issuerURL)
	}
}

func proofKey(issuerURL string) []byte {
	return buildIndexKey(proofPrefix, issuerURL)
}

// Save replaces the proof set of issuerURL. Proofs without a positive amount
// are dropped.
func (s *ProofStore) Save(issuerURL string, proofs []Proof) error {
	s.mu.Lock()
	err := s.db.Update(func(txn *badger.Txn) error {
		return s.write(txn, issuerURL, proofs)
	})
	s.mu.Unlock()

	if err != nil {
		slog.Error("save proofs", "mint", issuerURL, slog.Any("err", err))
		savesFailed().Inc()
		return storageError(err)
	}

	s.saved(issuerURL)
	return nil
}

// Load returns the stored proofs of issuerURL. Missing or unreadable data
// yields an empty set.
func (s *ProofStore) Load(issuerURL string) []Proof {
	proofs, err := s.read(issuerURL)
	if err != nil {
		slog.Error("load proofs", "mint", issuerURL, slog.Any("err", err))
		return []Proof{}
	}

	return proofs
}

// Append merges proofs into the stored set of issuerURL.
func (s *ProofStore) Append(issuerURL string, proofs []Proof) error {
	return s.Update(issuerURL, nil, proofs)
}

// Update removes the proofs in spent from the stored set of issuerURL and
// appends add, in one write. Proofs are matched by secret so proofs appended
// concurrently since the caller's read survive.
func (s *ProofStore) Update(issuerURL string, spent, add []Proof) error {
	s.mu.Lock()
	err := s.db.Update(func(txn *badger.Txn) error {
		current, err := s.get(txn, issuerURL)
		if err != nil {
			return err
		}

		removed := mapset.New[string]()
		for _, p := range spent {
			removed.Put(p.Secret)
		}

		next := make([]Proof, 0, len(current)+len(add))
		for _, p := range current {
			if !removed.Has(p.Secret) {
				next = append(next, p)
			}
		}

		return s.write(txn, issuerURL, append(next, add...))
	})
	s.mu.Unlock()

	if err != nil {
		slog.Error("update proofs", "mint", issuerURL, slog.Any("err", err))
		savesFailed().Inc()
		return storageError(err)
	}

	s.saved(issuerURL)
	return nil
}

// Reset drops every proof stored for issuerURL.
func (s *ProofStore) Reset(issuerURL string) error {
	s.mu.Lock()
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(proofKey(issuerURL))
	})
	s.mu.Unlock()

	if err != nil {
		return storageError(err)
	}

	s.saved(issuerURL)
	return nil
}

// Issuers lists the issuer urls that have a stored proof set.
func (s *ProofStore) Issuers() ([]string, error) {
	txn := s.db.NewTransaction(false)
	defer txn.Discard()

	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = proofPrefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var urls []string
	for it.Seek(proofPrefix); it.ValidForPrefix(proofPrefix); it.Next() {
		var url string
		if err := decodeIndexKey(it.Item().KeyCopy(nil), proofPrefix, &url); err != nil {
			return nil, err
		}

		urls = append(urls, url)
	}

	return urls, nil
}

func (s *ProofStore) read(issuerURL string) ([]Proof, error) {
	txn := s.db.NewTransaction(false)
	defer txn.Discard()

	return s.get(txn, issuerURL)
}

func (s *ProofStore) get(txn *badger.Txn, issuerURL string) ([]Proof, error) {
	item, err := txn.Get(proofKey(issuerURL))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return []Proof{}, nil
		}

		return nil, err
	}

	var proofs []Proof
	err = item.Value(func(val []byte) error {
		proofs = decodeProofs(val, s.encryptionKey())
		return nil
	})

	return proofs, err
}

func (s *ProofStore) write(txn *badger.Txn, issuerURL string, proofs []Proof) error {
	b, err := json.Marshal(filterProofs(proofs))
	if err != nil {
		return err
	}

	if key := s.encryptionKey(); key != nil {
		if b, err = seal(key, b); err != nil {
			return err
		}
	}

	return txn.Set(proofKey(issuerURL), b)
}

// decodeProofs tries the sealed format first and falls back to plain JSON
// written before encryption was enabled.
func decodeProofs(data []byte, key []byte) []Proof {
	if key != nil {
		if plain, err := unseal(key, data); err == nil {
			data = plain
		}
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		slog.Warn("proof set unreadable, treating as empty", slog.Any("err", err))
		return []Proof{}
	}

	proofs := make([]Proof, 0, len(raws))
	for _, raw := range raws {
		var p Proof
		if err := json.Unmarshal(raw, &p); err != nil || !p.valid() {
			continue
		}

		proofs = append(proofs, p)
	}

	return proofs
}
