package ecash

import (
	"encoding/json"
	"errors"

	"github.com/dgraph-io/badger/v4"
	g "github.com/pandodao/generic"
)

var (
	proofPrefix    = []byte("k:")
	txPrefix       = []byte("t:")
	pendingPrefix  = []byte("d:")
	propertyPrefix = []byte("p:")
	quoteKey       = []byte("q:")
	txSequenceKey  = []byte("s:tx")
)

const (
	propertySeed            = "seed"
	propertyBackedUp        = "backed_up"
	propertySelectedIssuer  = "selected_issuer"
	propertyCustomIssuers   = "custom_issuers"
	propertyBalanceSnapshot = "balance_snapshot"
)

func propertyKey(name string) []byte {
	return buildIndexKey(propertyPrefix, name)
}

func saveProperty(txn *badger.Txn, name string, v any) error {
	e := badger.NewEntry(propertyKey(name), g.Must(json.Marshal(v)))
	return txn.SetEntry(e)
}

// readProperty decodes the named property into v. It reports false if the
// property was never written.
func readProperty(txn *badger.Txn, name string, v any) (bool, error) {
	item, err := txn.Get(propertyKey(name))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false, nil
		}

		return false, err
	}

	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	}); err != nil {
		return false, err
	}

	return true, nil
}

func deleteProperty(txn *badger.Txn, name string) error {
	return txn.Delete(propertyKey(name))
}

func ReadProperty(db *badger.DB, name string, v any) (bool, error) {
	txn := db.NewTransaction(false)
	defer txn.Discard()

	return readProperty(txn, name, v)
}

func SaveProperty(db *badger.DB, name string, v any) error {
	txn := db.NewTransaction(true)
	defer txn.Discard()

	if err := saveProperty(txn, name, v); err != nil {
		return storageError(err)
	}

	return storageError(txn.Commit())
}

func getJSON(txn *badger.Txn, key []byte, v any) (bool, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false, nil
		}

		return false, err
	}

	return true, item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func listJSON[T any](txn *badger.Txn, prefix []byte) ([]*T, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchSize = 50
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var items []*T
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var v T
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &v)
		}); err != nil {
			return nil, err
		}

		items = append(items, &v)
	}

	return items, nil
}

// deletePrefix removes every key under prefix in batches.
func deletePrefix(db *badger.DB, prefix []byte) error {
	var keys [][]byte
	if err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}

		return nil
	}); err != nil {
		return err
	}

	wb := db.NewWriteBatch()
	defer wb.Cancel()

	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return storageError(err)
		}
	}

	return storageError(wb.Flush())
}
