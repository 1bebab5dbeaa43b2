package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/Guizzs26/field-outbox/internal/models"
	"github.com/dgraph-io/badger/v4"
)

const (
	recordPrefix = "q:"
	indexPrefix  = "id:"
	sequenceKey  = "_seq:queue"
)

// BadgerQueueStore keeps the outbox on the device in an embedded badger database.
//
// Keyspace:
//
//	q:<20-digit sequence> -> JSON EventRecord (iteration order == insertion order)
//	id:<record id>        -> q:<...> key of that record
type BadgerQueueStore struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger *slog.Logger
	mu     sync.Mutex // serializes writers so sequence order matches commit order
}

// NewBadgerQueueStore opens (or creates) the queue at path. An empty path opens an in-memory store.
func NewBadgerQueueStore(path string, logger *slog.Logger) (*BadgerQueueStore, error) {
	opts := badger.DefaultOptions(path).
		WithSyncWrites(true).
		WithLogger(badgerLogger{l: logger})
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, storeErr(ErrIOFailure, "", fmt.Errorf("failed to open badger at %q: %w", path, err))
	}

	seq, err := bdb.GetSequence([]byte(sequenceKey), 64)
	if err != nil {
		bdb.Close()
		return nil, storeErr(ErrIOFailure, "", fmt.Errorf("failed to lease queue sequence: %w", err))
	}

	logger.Info("Event queue opened", "driver", "badger", "path", path, "in_memory", path == "")

	return &BadgerQueueStore{db: bdb, seq: seq, logger: logger}, nil
}

func (s *BadgerQueueStore) Add(ctx context.Context, rec models.EventRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", storeErr(ErrIOFailure, rec.ID, err)
	}

	value, err := json.Marshal(rec)
	if err != nil {
		return "", storeErr(ErrCorruption, rec.ID, fmt.Errorf("failed to serialize record: %w", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.Update(func(txn *badger.Txn) error {
		ik := indexKey(rec.ID)
		if _, err := txn.Get(ik); err == nil {
			return storeErr(ErrDuplicateID, rec.ID, nil)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		n, err := s.seq.Next()
		if err != nil {
			return fmt.Errorf("sequence exhausted: %w", err)
		}
		rk := recordKey(n)

		if err := txn.Set(rk, value); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
		if err := txn.Set(ik, rk); err != nil {
			return fmt.Errorf("failed to write id index: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", asStoreErr(rec.ID, err)
	}

	return rec.ID, nil
}

// List returns every queued record in insertion order, read from a single snapshot
func (s *BadgerQueueStore) List(ctx context.Context) ([]models.EventRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr(ErrIOFailure, "", err)
	}

	var records []models.EventRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			data, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to copy record data: %w", err)
			}

			var rec models.EventRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return storeErr(ErrCorruption, string(item.Key()), err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, asStoreErr("", err)
	}
	return records, nil
}

// Remove deletes the record. Removing an absent id is a no-op.
func (s *BadgerQueueStore) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return storeErr(ErrIOFailure, id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		rk, err := lookupRecordKey(txn, id)
		if err != nil || rk == nil {
			return err
		}
		if err := txn.Delete(rk); err != nil {
			return err
		}
		return txn.Delete(indexKey(id))
	})
	if err != nil {
		return asStoreErr(id, err)
	}
	return nil
}

// Count walks keys only, record values are never loaded
func (s *BadgerQueueStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, storeErr(ErrIOFailure, "", err)
	}

	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(recordPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, asStoreErr("", err)
	}
	return n, nil
}

// SetState updates only the sync state tag. An absent id is a no-op.
func (s *BadgerQueueStore) SetState(ctx context.Context, id string, state models.SyncState) error {
	_, err := s.transition(ctx, id, state, func(models.SyncState) bool { return true })
	return err
}

// Claim moves a pending record to in_flight and reports whether this call did it.
// The directory lock keeps other processes out, so only the local drain can race here.
func (s *BadgerQueueStore) Claim(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, id, models.StateInFlight, func(current models.SyncState) bool {
		return current == models.StatePending || current == ""
	})
}

func (s *BadgerQueueStore) transition(ctx context.Context, id string, state models.SyncState, allowed func(models.SyncState) bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, storeErr(ErrIOFailure, id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	moved := false
	err := s.db.Update(func(txn *badger.Txn) error {
		rk, err := lookupRecordKey(txn, id)
		if err != nil || rk == nil {
			return err
		}

		item, err := txn.Get(rk)
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}

		var rec models.EventRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return storeErr(ErrCorruption, id, err)
		}
		if !allowed(rec.State) {
			return nil
		}
		moved = true
		if rec.State == state {
			return nil
		}
		rec.State = state

		updated, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(rk, updated)
	})
	if err != nil {
		return false, asStoreErr(id, err)
	}
	return moved, nil
}

// ResetInFlight returns records left in_flight by an interrupted cycle to pending
func (s *BadgerQueueStore) ResetInFlight(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, storeErr(ErrIOFailure, "", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reset := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		stale := map[string]models.EventRecord{}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordPrefix)
		it := txn.NewIterator(opts)
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			data, err := item.ValueCopy(nil)
			if err != nil {
				it.Close()
				return err
			}
			var rec models.EventRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				it.Close()
				return storeErr(ErrCorruption, string(item.Key()), err)
			}
			if rec.State == models.StateInFlight {
				stale[string(item.KeyCopy(nil))] = rec
			}
		}
		it.Close()

		for key, rec := range stale {
			rec.State = models.StatePending
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := txn.Set([]byte(key), data); err != nil {
				return err
			}
		}
		reset = len(stale)
		return nil
	})
	if err != nil {
		return 0, asStoreErr("", err)
	}
	return reset, nil
}

// Close releases the sequence lease and closes the database
func (s *BadgerQueueStore) Close() error {
	s.logger.Info("Closing event queue")
	if err := s.seq.Release(); err != nil {
		s.logger.Warn("Failed to release queue sequence", "error", err)
	}
	return s.db.Close()
}

func lookupRecordKey(txn *badger.Txn, id string) ([]byte, error) {
	item, err := txn.Get(indexKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func recordKey(n uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", recordPrefix, n))
}

func indexKey(id string) []byte {
	return []byte(indexPrefix + id)
}

func asStoreErr(id string, err error) error {
	var se *StoreError
	if errors.As(err, &se) {
		return se
	}
	return storeErr(ErrIOFailure, id, err)
}

// badgerLogger routes badger's internal logging into slog. Badger is chatty at info level.
type badgerLogger struct {
	l *slog.Logger
}

func (b badgerLogger) Errorf(format string, args ...interface{}) {
	b.l.Error(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (b badgerLogger) Warningf(format string, args ...interface{}) {
	b.l.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (b badgerLogger) Infof(format string, args ...interface{}) {
	b.l.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (b badgerLogger) Debugf(format string, args ...interface{}) {
	b.l.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}
