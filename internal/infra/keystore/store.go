// Package keystore implements C8 over the same embedded bbolt file the
// State Store uses, generating tokens with google/uuid the way the cloud
// registration flows across the example pack mint client-facing
// identifiers.
package keystore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/quentingllmt/hostsupervisor/internal/domain/repository"
)

var bucketKeys = []byte("api_keys")

const cloudKeyRecordID = "cloud"

// record is the on-disk representation of one key.
type record struct {
	Key      string  `json:"key"`
	Wildcard bool    `json:"wildcard"`
	Apps     []int64 `json:"apps"`
}

// Store is the bbolt-backed KeyStore implementation. It shares the
// State Store's database file but owns its own bucket, keeping the two
// concerns in one on-disk artifact without coupling their code.
type Store struct {
	db *bolt.DB
	mu sync.Mutex
}

// Open opens (creating if absent) a bbolt database at path and ensures the
// api_keys bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open key store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKeys)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// OpenShared wraps an already-open bbolt handle (e.g. the State Store's),
// ensuring the api_keys bucket exists in it. Use this to keep a single
// database file on disk instead of Open's dedicated one.
func OpenShared(db *bolt.DB) (*Store, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKeys)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) put(id string, rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).Put([]byte(id), data)
	})
}

func (s *Store) get(id string) (*record, error) {
	var rec *record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketKeys).Get([]byte(id))
		if data == nil {
			return nil
		}
		var r record
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		rec = &r
		return nil
	})
	return rec, err
}

func (s *Store) CloudKey(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.get(cloudKeyRecordID)
	if err != nil {
		return "", err
	}
	if rec != nil {
		return rec.Key, nil
	}

	key := uuid.NewString()
	if err := s.put(cloudKeyRecordID, record{Key: key, Wildcard: true}); err != nil {
		return "", err
	}
	if err := s.indexKey(key, cloudKeyRecordID); err != nil {
		return "", err
	}
	return key, nil
}

func (s *Store) RegenerateCloudKey(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.get(cloudKeyRecordID)
	if err != nil {
		return "", err
	}
	if old != nil {
		if err := s.removeIndex(old.Key); err != nil {
			return "", err
		}
	}

	key := uuid.NewString()
	if err := s.put(cloudKeyRecordID, record{Key: key, Wildcard: true}); err != nil {
		return "", err
	}
	if err := s.indexKey(key, cloudKeyRecordID); err != nil {
		return "", err
	}
	return key, nil
}

func (s *Store) GenerateScopedKey(ctx context.Context, appID int64, serviceID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := scopedRecordID(appID, serviceID)
	key := uuid.NewString()
	if err := s.put(id, record{Key: key, Apps: []int64{appID}}); err != nil {
		return "", err
	}
	if err := s.indexKey(key, id); err != nil {
		return "", err
	}
	return key, nil
}

func scopedRecordID(appID int64, serviceID string) string {
	return "scoped/" + strconv.FormatInt(appID, 10) + "/" + serviceID
}

// indexKey and removeIndex maintain a reverse index from token value to
// record ID, so Validate doesn't need to scan every record on each
// request.
func (s *Store) indexKey(key, recordID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).Put([]byte("index/"+key), []byte(recordID))
	})
}

func (s *Store) removeIndex(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).Delete([]byte("index/" + key))
	})
}

func (s *Store) Validate(ctx context.Context, key string) (repository.Scope, error) {
	var recordID string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketKeys).Get([]byte("index/" + key))
		if data != nil {
			recordID = string(data)
		}
		return nil
	})
	if err != nil {
		return repository.Scope{}, err
	}
	if recordID == "" {
		return repository.Scope{}, fmt.Errorf("key not found or revoked")
	}

	rec, err := s.get(recordID)
	if err != nil {
		return repository.Scope{}, err
	}
	if rec == nil || rec.Key != key {
		// The record was regenerated out from under this token: revoked.
		return repository.Scope{}, fmt.Errorf("key not found or revoked")
	}

	scope := repository.Scope{Wildcard: rec.Wildcard, Apps: make(map[int64]bool, len(rec.Apps))}
	for _, id := range rec.Apps {
		scope.Apps[id] = true
	}
	return scope, nil
}

func (s *Store) IsCloudKey(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.get(cloudKeyRecordID)
	if err != nil {
		return false, err
	}
	return rec != nil && rec.Key == key, nil
}

var _ repository.KeyStore = (*Store)(nil)
