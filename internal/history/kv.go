package history

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
)

const maxCASAttempts = 16

// KVOptions configure the NATS KeyValue backed store.
type KVOptions struct {
	Bucket string
	// TTL drops subjects not observed for this long; 0 keeps them forever.
	TTL time.Duration
	// OnConflict is called for every lost compare-and-set round.
	OnConflict func()
}

// KVStore shares snapshots between service instances through a JetStream
// KeyValue bucket. Updates use the entry revision as a compare-and-set guard
// so concurrent writers on any instance retry instead of losing an update.
type KVStore struct {
	kv         nats.KeyValue
	onConflict func()
}

// NewKVStore binds to (or creates) the bucket.
func NewKVStore(js nats.JetStreamContext, opts KVOptions) (*KVStore, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("history: kv bucket name is required")
	}

	kv, err := js.KeyValue(opts.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      opts.Bucket,
			Description: "per-subject login history",
			History:     1,
			TTL:         opts.TTL,
			Storage:     nats.FileStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("history: binding kv bucket %s: %w", opts.Bucket, err)
	}

	onConflict := opts.OnConflict
	if onConflict == nil {
		onConflict = func() {}
	}
	return &KVStore{kv: kv, onConflict: onConflict}, nil
}

func subjectKey(subject string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(subject))
}

// Observe runs the read-compare-write cycle under a revision check.
func (s *KVStore) Observe(ctx context.Context, subject string, attrs Attributes, at time.Time) (ChangeIndicators, error) {
	key := subjectKey(subject)
	value, err := json.Marshal(Snapshot{Attributes: attrs, ObservedAt: at})
	if err != nil {
		return ChangeIndicators{}, fmt.Errorf("history: encoding snapshot: %w", err)
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return ChangeIndicators{}, err
		}

		entry, err := s.kv.Get(key)
		switch {
		case errors.Is(err, nats.ErrKeyNotFound):
			if _, err := s.kv.Create(key, value); err != nil {
				if errors.Is(err, nats.ErrKeyExists) {
					s.onConflict()
					continue
				}
				return ChangeIndicators{}, fmt.Errorf("history: creating %s: %w", subject, err)
			}
			return Compare(nil, attrs, at), nil

		case err != nil:
			return ChangeIndicators{}, fmt.Errorf("history: reading %s: %w", subject, err)
		}

		var prev Snapshot
		if err := json.Unmarshal(entry.Value(), &prev); err != nil {
			return ChangeIndicators{}, fmt.Errorf("history: decoding %s: %w", subject, err)
		}

		if _, err := s.kv.Update(key, value, entry.Revision()); err != nil {
			if errors.Is(err, nats.ErrKeyExists) {
				s.onConflict()
				continue
			}
			return ChangeIndicators{}, fmt.Errorf("history: updating %s: %w", subject, err)
		}
		return Compare(&prev, attrs, at), nil
	}
	return ChangeIndicators{}, ErrConflict
}

// Restore puts prev back under the same revision check as Observe. A
// subject observed again since written is left untouched.
func (s *KVStore) Restore(ctx context.Context, subject string, written Snapshot, prev *Snapshot) error {
	key := subjectKey(subject)
	var value []byte
	if prev != nil {
		v, err := json.Marshal(prev)
		if err != nil {
			return fmt.Errorf("history: encoding snapshot: %w", err)
		}
		value = v
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		entry, err := s.kv.Get(key)
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("history: reading %s: %w", subject, err)
		}
		var cur Snapshot
		if err := json.Unmarshal(entry.Value(), &cur); err != nil {
			return fmt.Errorf("history: decoding %s: %w", subject, err)
		}
		if !cur.Equal(written) {
			return nil
		}

		if prev == nil {
			err = s.kv.Delete(key, nats.LastRevision(entry.Revision()))
		} else {
			_, err = s.kv.Update(key, value, entry.Revision())
		}
		if errors.Is(err, nats.ErrKeyExists) {
			s.onConflict()
			continue
		}
		if err != nil {
			return fmt.Errorf("history: restoring %s: %w", subject, err)
		}
		return nil
	}
	return ErrConflict
}

// Peek returns the stored snapshot without updating it.
func (s *KVStore) Peek(_ context.Context, subject string) (Snapshot, bool, error) {
	entry, err := s.kv.Get(subjectKey(subject))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("history: reading %s: %w", subject, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(entry.Value(), &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("history: decoding %s: %w", subject, err)
	}
	return snap, true, nil
}

func (s *KVStore) Backend() string { return "nats" }

// Close is a no-op; the connection belongs to the event bus.
func (s *KVStore) Close() error { return nil }
