// Package badger implements the durable log store on an embedded Badger DB.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"path/filepath"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/splax/deployflow/internal/domain"
	"github.com/splax/deployflow/internal/repository"
)

// LogStore implements repository.LogRepository with Badger.
type LogStore struct {
	db *badgerdb.DB
}

var _ repository.LogRepository = (*LogStore)(nil)

// Open opens (or creates) a store at path.
func Open(path string) (*LogStore, error) {
	opts := badgerdb.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil
	return open(opts)
}

// OpenInMemory opens a store that lives only in memory.
func OpenInMemory() (*LogStore, error) {
	opts := badgerdb.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return open(opts)
}

func open(opts badgerdb.Options) (*LogStore, error) {
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, err
	}
	return &LogStore{db: db}, nil
}

// Close releases the underlying database.
func (s *LogStore) Close() error {
	return s.db.Close()
}

func logPrefix(deploymentID string) []byte {
	return []byte("log:" + deploymentID + ":")
}

func logKey(deploymentID string, seq int64) []byte {
	key := logPrefix(deploymentID)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(seq))
	return append(key, buf[:]...)
}

// AppendLog persists an event, rejecting duplicate sequence numbers.
func (s *LogStore) AppendLog(_ context.Context, event domain.LogEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	key := logKey(event.DeploymentID, event.Seq)
	return s.db.Update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return repository.ErrConflict
		} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
}

// ListLogs returns events after afterSeq in sequence order.
func (s *LogStore) ListLogs(_ context.Context, deploymentID string, afterSeq int64) ([]domain.LogEvent, error) {
	prefix := logPrefix(deploymentID)
	var events []domain.LogEvent
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(logKey(deploymentID, afterSeq+1)); it.ValidForPrefix(prefix); it.Next() {
			var ev domain.LogEvent
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &ev)
			}); err != nil {
				return err
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// LastLog returns the highest-sequence event.
func (s *LogStore) LastLog(_ context.Context, deploymentID string) (*domain.LogEvent, error) {
	prefix := logPrefix(deploymentID)
	var out *domain.LogEvent
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Seek(append(append([]byte(nil), prefix...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF))
		if !it.ValidForPrefix(prefix) {
			return repository.ErrNotFound
		}
		var ev domain.LogEvent
		if err := it.Item().Value(func(v []byte) error {
			return json.Unmarshal(v, &ev)
		}); err != nil {
			return err
		}
		out = &ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
