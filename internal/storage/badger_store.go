package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/devghori1264/aerophoenix/instanced/internal/jsoncodec"
	"github.com/devghori1264/aerophoenix/instanced/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
)

const (
	instancePrefix    = "instance:"
	credentialsPrefix = "creds:"
)

// SkippedRecord is a persisted record that could not be decoded.
type SkippedRecord struct {
	Key string
	Err error
}

// ListResult holds every decodable record plus the ones skipped.
type ListResult struct {
	Records []*models.InstanceRecord
	Skipped []SkippedRecord
}

// Store persists instance records and their auxiliary credential blobs.
// Every key is independent; writes for different ids do not contend.
type Store interface {
	PutInstance(ctx context.Context, rec *models.InstanceRecord) error
	GetInstance(ctx context.Context, id string) (*models.InstanceRecord, error)
	// ListInstances enumerates all records. A record that fails to decode is
	// reported in ListResult.Skipped; only iteration failures return an error.
	ListInstances(ctx context.Context) (ListResult, error)
	// RemoveInstance deletes the record and its credentials. Removing an
	// absent id is not an error.
	RemoveInstance(ctx context.Context, id string) error

	PutCredentials(ctx context.Context, id string, data []byte) error
	GetCredentials(ctx context.Context, id string) ([]byte, error)

	Close() error
}

// Options tunes the badger database.
type Options struct {
	// InMemory keeps all data in memory; Path is ignored.
	InMemory bool
	Logger   badger.Logger
}

// BadgerStore implements Store with Badger DB.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(path string, o Options) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	if o.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = o.Logger
	// Records are tiny and a put must survive a crash right after it returns.
	opts = opts.WithSyncWrites(true).WithValueLogFileSize(1 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func instanceKey(id string) []byte {
	return []byte(instancePrefix + id)
}

func credentialsKey(id string) []byte {
	return []byte(credentialsPrefix + id)
}

func (s *BadgerStore) PutInstance(ctx context.Context, rec *models.InstanceRecord) error {
	if rec == nil || rec.ID == "" {
		return errors.New("storage: record id required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := jsoncodec.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(instanceKey(rec.ID), data)
	})
}

func (s *BadgerStore) GetInstance(ctx context.Context, id string) (*models.InstanceRecord, error) {
	var out models.InstanceRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(instanceKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return jsoncodec.Unmarshal(v, &out)
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) ListInstances(ctx context.Context) (ListResult, error) {
	var res ListResult
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(instancePrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := string(item.KeyCopy(nil))

			var rec models.InstanceRecord
			err := item.Value(func(v []byte) error {
				return jsoncodec.Unmarshal(v, &rec)
			})
			if err == nil && rec.ID != strings.TrimPrefix(key, instancePrefix) {
				err = fmt.Errorf("record id %q does not match key", rec.ID)
			}
			if err != nil {
				res.Skipped = append(res.Skipped, SkippedRecord{Key: key, Err: err})
				continue
			}
			res.Records = append(res.Records, &rec)
		}
		return nil
	})
	if err != nil {
		return ListResult{}, err
	}
	return res, nil
}

func (s *BadgerStore) RemoveInstance(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(instanceKey(id)); err != nil {
			return err
		}
		return txn.Delete(credentialsKey(id))
	})
}

func (s *BadgerStore) PutCredentials(ctx context.Context, id string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(credentialsKey(id), data)
	})
}

func (s *BadgerStore) GetCredentials(ctx context.Context, id string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(credentialsKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
