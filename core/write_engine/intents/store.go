// Package intents stores the provisional writes of distributed transactions apart from
// committed data, and removes them once a transaction is known to be aborted.
package intents

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"github.com/sushant-115/gojotxn/core/transaction"
	"go.uber.org/zap"
)

var intentsBucketKey = []byte("intents")

var (
	ErrStoreClosed   = errors.New("intent store is closed")
	ErrEmptyKey      = errors.New("intent key must not be empty")
	ErrInvalidIntent = errors.New("invalid intent record")
)

const (
	txnIDSize   = len(transaction.TransactionID{})
	indexSize   = 8
	openTimeout = 5 * time.Second
)

// Intent is a provisional write of a transaction. Index is the raft log index of the
// write that created it.
type Intent struct {
	TxnID transaction.TransactionID
	Key   []byte
	Value []byte
	Index uint64
}

// Store is a bolt-backed intent store. It implements transaction.IntentApplier.
type Store struct {
	bolt   *bolt.DB
	logger *zap.Logger
}

var _ transaction.IntentApplier = (*Store)(nil)

// Open opens or creates the intent store at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open intent store %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(intentsBucketKey)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create intents bucket: %w", err)
	}
	s := &Store{bolt: db, logger: logger.Named("intent_store")}
	s.logger.Info("Intent store opened", zap.String("path", path))
	return s, nil
}

func (s *Store) Close() error {
	return s.bolt.Close()
}

// WriteIntent records a provisional write of key by id, replacing an earlier intent of
// the same transaction on the same key.
func (s *Store) WriteIntent(id transaction.TransactionID, key, value []byte, index uint64) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	return s.update(func(bucket *bolt.Bucket) error {
		return bucket.Put(intentKey(id, key), encodeValue(index, value))
	})
}

// Intents returns every intent of id ordered by key.
func (s *Store) Intents(id transaction.TransactionID) (result []Intent, err error) {
	err = s.view(func(bucket *bolt.Bucket) error {
		prefix := id.Bytes()
		c := bucket.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			intent, err := decodeIntent(k, v)
			if err != nil {
				return err
			}
			result = append(result, intent)
		}
		return nil
	})
	return
}

// Count returns the number of intents of id.
func (s *Store) Count(id transaction.TransactionID) (int, error) {
	intents, err := s.Intents(id)
	return len(intents), err
}

// AllIntents returns every stored intent ordered by transaction id and key.
func (s *Store) AllIntents() (result []Intent, err error) {
	err = s.view(func(bucket *bolt.Bucket) error {
		return bucket.ForEach(func(k, v []byte) error {
			intent, err := decodeIntent(k, v)
			if err != nil {
				return err
			}
			result = append(result, intent)
			return nil
		})
	})
	return
}

// ReplaceAll discards every stored intent and stores all instead.
func (s *Store) ReplaceAll(all []Intent) error {
	return mapBoltError(s.bolt.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(intentsBucketKey); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		bucket, err := tx.CreateBucket(intentsBucketKey)
		if err != nil {
			return err
		}
		for _, in := range all {
			if len(in.Key) == 0 {
				return ErrEmptyKey
			}
			if err := bucket.Put(intentKey(in.TxnID, in.Key), encodeValue(in.Index, in.Value)); err != nil {
				return err
			}
		}
		return nil
	}))
}

// RemoveIntents deletes the intents of id written at or below data.Index. Intents of
// writes not yet known to be applied are left for a later removal.
func (s *Store) RemoveIntents(data transaction.RemoveIntentsData, id transaction.TransactionID) error {
	removed, skipped := 0, 0
	err := s.update(func(bucket *bolt.Bucket) error {
		prefix := id.Bytes()
		var doomed [][]byte
		c := bucket.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if len(v) < indexSize {
				return fmt.Errorf("%w: value of %x is %d bytes", ErrInvalidIntent, k, len(v))
			}
			if binary.BigEndian.Uint64(v[:indexSize]) > data.Index {
				skipped++
				continue
			}
			// Keys returned by the cursor are only valid for the life of the transaction
			// and must not be used after the bucket is modified.
			doomed = append(doomed, append([]byte(nil), k...))
		}
		for _, k := range doomed {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(doomed)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove intents of %s: %w", id, err)
	}
	s.logger.Debug("Intent store removal counts",
		zap.Stringer("txn_id", id),
		zap.Int("removed", removed),
		zap.Int("skipped", skipped))
	return nil
}

func (s *Store) update(fn func(*bolt.Bucket) error) error {
	err := s.bolt.Update(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(intentsBucketKey))
	})
	return mapBoltError(err)
}

func (s *Store) view(fn func(*bolt.Bucket) error) error {
	err := s.bolt.View(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(intentsBucketKey))
	})
	return mapBoltError(err)
}

func mapBoltError(err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return ErrStoreClosed
	}
	return err
}

func intentKey(id transaction.TransactionID, key []byte) []byte {
	result := make([]byte, 0, txnIDSize+len(key))
	result = append(result, id[:]...)
	return append(result, key...)
}

func encodeValue(index uint64, value []byte) []byte {
	result := make([]byte, indexSize+len(value))
	binary.BigEndian.PutUint64(result, index)
	copy(result[indexSize:], value)
	return result
}

func decodeIntent(k, v []byte) (result Intent, err error) {
	if len(k) <= txnIDSize || len(v) < indexSize {
		err = fmt.Errorf("%w: key %x", ErrInvalidIntent, k)
		return
	}
	copy(result.TxnID[:], k[:txnIDSize])
	result.Key = append([]byte(nil), k[txnIDSize:]...)
	result.Index = binary.BigEndian.Uint64(v[:indexSize])
	result.Value = append([]byte(nil), v[indexSize:]...)
	return
}
