// Package statestore implements C2: the durable target-state database and
// the volatile current-state cache, backed by bbolt the way
// cuemby-warren's pkg/storage backs cluster state with BoltDB — a single
// embedded file, one bucket per entity kind, JSON-serialized values.
package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	bolt "go.etcd.io/bbolt"

	"github.com/quentingllmt/hostsupervisor/internal/domain/model"
	"github.com/quentingllmt/hostsupervisor/internal/domain/repository"
	"github.com/quentingllmt/hostsupervisor/internal/infra/locks"
	log "github.com/quentingllmt/hostsupervisor/pkg/log"
)

var (
	bucketTarget       = []byte("target")
	bucketIntermediate = []byte("target_intermediate")
	bucketCommits      = []byte("commits")
	bucketCurrentApps  = []byte("current_apps")
	bucketOverlays     = []byte("overlays")
)

// Store is the bbolt-backed StateStore implementation.
type Store struct {
	db   *bolt.DB
	keys *locks.KeyedLocker
}

// Open opens (creating if absent) a bbolt database at path and ensures its
// buckets exist. keys is the shared in-process keyed locker so target
// reads/writes serialize against the same "target" key the Apply Loop and
// Control API use.
func Open(path string, keys *locks.KeyedLocker) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketTarget, bucketIntermediate, bucketCommits, bucketCurrentApps, bucketOverlays} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, keys: keys}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying bbolt handle so other components (the Key
// Store) can share the same on-disk database file instead of opening a
// second handle, which bbolt's file lock would reject.
func (s *Store) DB() *bolt.DB {
	return s.db
}

// targetDoc is the on-disk representation of a Target, stored as a single
// document under a fixed key (spec.md §4.2: "validates and persists the
// full target for all apps, device config, and dependent state in one
// transaction").
type targetDoc struct {
	Local map[string]string          `json:"local"`
	Apps  map[string]*model.Application `json:"apps"`
}

func toDoc(t *model.Target) *targetDoc {
	d := &targetDoc{Apps: make(map[string]*model.Application, len(t.Apps))}
	if t.Local != nil {
		d.Local = t.Local.Config
	}
	for id, app := range t.Apps {
		d.Apps[strconv.FormatInt(id, 10)] = app
	}
	return d
}

func fromDoc(d *targetDoc) *model.Target {
	t := &model.Target{Apps: make(map[int64]*model.Application, len(d.Apps))}
	if d.Local != nil {
		t.Local = &model.LocalTarget{Config: d.Local}
	}
	for idStr, app := range d.Apps {
		id, _ := strconv.ParseInt(idStr, 10, 64)
		t.Apps[id] = app
	}
	return t
}

const targetKey = "current"

// validate rejects target states lacking a `local` object, lacking
// `apps`, or containing malformed values (spec.md §4.2).
func validate(t *model.Target) error {
	if t == nil {
		return &model.ValidationError{Message: "target is nil"}
	}
	if t.Local == nil {
		return &model.ValidationError{Message: "target missing local object"}
	}
	if t.Apps == nil {
		return &model.ValidationError{Message: "target missing apps"}
	}
	for id, app := range t.Apps {
		if app == nil {
			return &model.ValidationError{Message: fmt.Sprintf("app %d is nil", id)}
		}
		if app.AppID != 0 && app.AppID != id {
			return &model.ValidationError{Message: fmt.Sprintf("app %d has mismatched AppID %d", id, app.AppID)}
		}
		seen := make(map[string]bool, len(app.Services))
		for _, svc := range app.Services {
			if svc.Name == "" {
				return &model.ValidationError{Message: fmt.Sprintf("app %d has a service with an empty name", id)}
			}
			if seen[svc.Name] {
				return &model.ValidationError{Message: fmt.Sprintf("app %d declares duplicate service %q", id, svc.Name)}
			}
			seen[svc.Name] = true
			for k := range svc.Env {
				if k == "" {
					return &model.ValidationError{Message: fmt.Sprintf("app %d service %q has an env var with an empty key", id, svc.Name)}
				}
			}
		}
	}
	return nil
}

// SetTarget validates and persists the full target in one transaction,
// clearing volatile overlays for every app present in the new target
// (invariant 4), whether or not that app's target changed. On success it
// only logs the change; it publishes no targetStateChanged event.
func (s *Store) SetTarget(ctx context.Context, target *model.Target) error {
	if err := validate(target); err != nil {
		return err
	}

	h := s.keys.WriteLock("target")
	defer h.Release()

	doc := toDoc(target)
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal target: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketTarget).Put([]byte(targetKey), data); err != nil {
			return err
		}
		overlays := tx.Bucket(bucketOverlays)
		for appID := range target.Apps {
			prefix := []byte(strconv.FormatInt(appID, 10) + "/")
			c := overlays.Cursor()
			for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
				if err := overlays.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist target: %w", err)
	}

	log.Info("target state changed", "apps", len(target.Apps))
	return nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (s *Store) GetTarget(ctx context.Context, opts repository.GetTargetOptions) (*model.Target, error) {
	h := s.keys.ReadLock("target")
	defer h.Release()

	bucket := bucketTarget
	if opts.Intermediate {
		bucket = bucketIntermediate
	}

	var doc targetDoc
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(targetKey))
		if data == nil {
			doc = targetDoc{Apps: map[string]*model.Application{}}
			return nil
		}
		return json.Unmarshal(data, &doc)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load target: %w", err)
	}
	return fromDoc(&doc), nil
}

func (s *Store) GetTargetApp(ctx context.Context, appID int64) (*model.Application, error) {
	t, err := s.GetTarget(ctx, repository.GetTargetOptions{})
	if err != nil {
		return nil, err
	}
	app, ok := t.Apps[appID]
	if !ok {
		return nil, &model.AppNotFoundError{AppID: appID}
	}
	return app, nil
}

func (s *Store) GetCommitForApp(ctx context.Context, appID int64) (string, error) {
	var commit string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCommits).Get([]byte(strconv.FormatInt(appID, 10)))
		if data != nil {
			commit = string(data)
		}
		return nil
	})
	return commit, err
}

func (s *Store) SetCommitForApp(ctx context.Context, appID int64, commit string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCommits).Put([]byte(strconv.FormatInt(appID, 10)), []byte(commit))
	})
}

func (s *Store) GetApps(ctx context.Context) ([]*model.Application, error) {
	target, err := s.GetTarget(ctx, repository.GetTargetOptions{})
	if err != nil {
		return nil, err
	}
	current, err := s.GetCurrentApps(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]*model.Application, len(target.Apps))
	for id, app := range target.Apps {
		byID[id] = app
	}
	for _, app := range current {
		if _, ok := byID[app.AppID]; !ok {
			byID[app.AppID] = app
		}
	}

	apps := make([]*model.Application, 0, len(byID))
	for _, app := range byID {
		apps = append(apps, app)
	}
	return apps, nil
}

func (s *Store) GetCurrentApps(ctx context.Context) ([]*model.Application, error) {
	var apps []*model.Application
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCurrentApps).ForEach(func(k, v []byte) error {
			var app model.Application
			if err := json.Unmarshal(v, &app); err != nil {
				return err
			}
			apps = append(apps, &app)
			return nil
		})
	})
	return apps, err
}

func (s *Store) SetCurrentApps(ctx context.Context, apps []*model.Application) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCurrentApps)
		// Replace wholesale: delete existing keys, then insert fresh ones.
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		for _, app := range apps {
			data, err := json.Marshal(app)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(strconv.FormatInt(app.AppID, 10)), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func overlayKey(appID int64, serviceName string) []byte {
	return []byte(strconv.FormatInt(appID, 10) + "/" + serviceName)
}

func (s *Store) SetServiceOverlay(ctx context.Context, appID int64, serviceName string, overlay model.VolatileOverlay) error {
	data, err := json.Marshal(overlay)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOverlays).Put(overlayKey(appID, serviceName), data)
	})
}

// GetServiceOverlay returns the overlay for a service, if one is set.
func (s *Store) GetServiceOverlay(ctx context.Context, appID int64, serviceName string) (*model.VolatileOverlay, error) {
	var overlay *model.VolatileOverlay
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketOverlays).Get(overlayKey(appID, serviceName))
		if data == nil {
			return nil
		}
		var o model.VolatileOverlay
		if err := json.Unmarshal(data, &o); err != nil {
			return err
		}
		overlay = &o
		return nil
	})
	return overlay, err
}

func (s *Store) ClearOverlaysForApp(ctx context.Context, appID int64) error {
	prefix := []byte(strconv.FormatInt(appID, 10) + "/")
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOverlays)
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

var _ repository.StateStore = (*Store)(nil)
