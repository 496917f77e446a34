package bytestore

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v2"
)

const (
	recPrefix = "r:"
	relPrefix = "l:"
)

var _ Backend = (*BadgerBackend)(nil)

// BadgerBackend stores records in BadgerDB. Rows get Badger-native TTLs in
// addition to the ExpiresAt field, so expired data vanishes even without the
// sweeper.
type BadgerBackend struct {
	db       *badger.DB
	inMemory bool
}

// NewBadgerBackend opens (or creates) a Badger DB at the given path.
// An empty path opens an in-memory DB, which is what the tests use.
// A nil logger silences Badger.
func NewBadgerBackend(path string, logger badger.Logger) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(logger)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("couldn't open badger DB: %v", err)
	}
	return &BadgerBackend{db: db, inMemory: path == ""}, nil
}

func recKey(service, hash string) []byte {
	return []byte(recPrefix + service + ":" + hash)
}

func relKey(service, releaseKey, hash string) []byte {
	return []byte(relPrefix + service + "\x1f" + releaseKey + "\x1f" + hash)
}

func (b *BadgerBackend) putInTxn(txn *badger.Txn, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("couldn't encode record: %v", err)
	}
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		// Already expired, don't bother the LSM tree
		return nil
	}
	entry := badger.NewEntry(recKey(rec.Service, rec.Hash), data).WithTTL(ttl)
	if err := txn.SetEntry(entry); err != nil {
		return err
	}
	if rec.ReleaseKey != "" {
		idx := badger.NewEntry(relKey(rec.Service, rec.ReleaseKey, rec.Hash), nil).WithTTL(ttl)
		if err := txn.SetEntry(idx); err != nil {
			return err
		}
	}
	return nil
}

func (b *BadgerBackend) Put(rec Record) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return b.putInTxn(txn, rec)
	})
}

func (b *BadgerBackend) PutBatch(recs []Record) error {
	txn := b.db.NewTransaction(true)
	defer txn.Discard()
	for _, rec := range recs {
		if err := b.putInTxn(txn, rec); err != badger.ErrTxnTooBig {
			if err != nil {
				return err
			}
			continue
		}
		// Transaction full: commit what we have and go on with a fresh one
		if err := txn.Commit(); err != nil {
			return err
		}
		txn = b.db.NewTransaction(true)
		if err := b.putInTxn(txn, rec); err != nil {
			return err
		}
	}
	return txn.Commit()
}

func (b *BadgerBackend) Get(service, hash string) (Record, bool, error) {
	var rec Record
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recKey(service, hash))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err == badger.ErrKeyNotFound {
		return Record{}, false, nil
	} else if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (b *BadgerBackend) Delete(service, hash string) error {
	rec, found, err := b.Get(service, hash)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(recKey(service, hash)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		if found && rec.ReleaseKey != "" {
			if err := txn.Delete(relKey(service, rec.ReleaseKey, hash)); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerBackend) DeleteByPrefix(service, hashPrefix string) (int, error) {
	prefix := recKey(service, hashPrefix)
	var hashes []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		keyPrefixLen := len(recPrefix + service + ":")
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			hashes = append(hashes, key[keyPrefixLen:])
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, hash := range hashes {
		if err := b.Delete(service, hash); err != nil {
			return 0, err
		}
	}
	return len(hashes), nil
}

func (b *BadgerBackend) ByRelease(service, releaseKey string) ([]Record, error) {
	prefix := []byte(relPrefix + service + "\x1f" + releaseKey + "\x1f")
	var hashes []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			hashes = append(hashes, strings.TrimPrefix(key, string(prefix)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	recs := make([]Record, 0, len(hashes))
	for _, hash := range hashes {
		rec, found, err := b.Get(service, hash)
		if err != nil {
			return nil, err
		}
		if found {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

// PurgeExpired triggers Badger's value log GC. Row expiry itself is handled
// by the per-entry TTLs, so there's nothing to delete row by row.
func (b *BadgerBackend) PurgeExpired() (int, error) {
	if b.inMemory {
		return 0, nil
	}
	err := b.db.RunValueLogGC(0.5)
	if err == badger.ErrNoRewrite || err == badger.ErrRejected {
		return 0, nil
	}
	return 0, err
}

func (b *BadgerBackend) Close() error {
	return b.db.Close()
}
