package serverdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	matchesBucket = []byte("matches")
	usersBucket   = []byte("users")
)

// BoltDB is a ServerDB backed by a single bbolt file. Matches live in the
// matches bucket keyed by sequence; each user gets a nested bucket in users
// holding the keys of the matches they played.
type BoltDB struct {
	db *bolt.DB
}

var _ ServerDB = (*BoltDB)(nil)

func NewBoltDB(path string) (*BoltDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create db dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{matchesBucket, usersBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltDB{db: db}, nil
}

func seqKey(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)
	return k
}

func (b *BoltDB) RecordMatchResult(ctx context.Context, rec *MatchResultRecord) (uint64, error) {
	if rec.WinnerID == "" {
		return 0, ErrEmptyWinner
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var id uint64
	err := b.db.Update(func(tx *bolt.Tx) error {
		matches := tx.Bucket(matchesBucket)
		if matches == nil {
			return ErrMainBucketNotFound
		}
		users := tx.Bucket(usersBucket)
		if users == nil {
			return ErrMainBucketNotFound
		}

		seq, err := matches.NextSequence()
		if err != nil {
			return err
		}
		stored := *rec
		stored.ID = seq
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = time.Now()
		}
		data, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("failed to marshal match result: %w", err)
		}
		key := seqKey(seq)
		if err := matches.Put(key, data); err != nil {
			return err
		}

		for _, uid := range []string{rec.WinnerID, rec.LoserID} {
			if uid == "" {
				continue
			}
			ub, err := users.CreateBucketIfNotExists([]byte(uid))
			if err != nil {
				return fmt.Errorf("failed to create user bucket: %w", err)
			}
			if err := ub.Put(key, nil); err != nil {
				return err
			}
		}
		id = seq
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (b *BoltDB) FetchMatchResult(ctx context.Context, id uint64) (*MatchResultRecord, error) {
	var rec *MatchResultRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		matches := tx.Bucket(matchesBucket)
		if matches == nil {
			return ErrMainBucketNotFound
		}
		data := matches.Get(seqKey(id))
		if data == nil {
			return ErrMatchNotFound
		}
		rec = new(MatchResultRecord)
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *BoltDB) FetchResultsByUser(ctx context.Context, userID string) ([]*MatchResultRecord, error) {
	var out []*MatchResultRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		matches := tx.Bucket(matchesBucket)
		users := tx.Bucket(usersBucket)
		if matches == nil || users == nil {
			return ErrMainBucketNotFound
		}
		ub := users.Bucket([]byte(userID))
		if ub == nil {
			return ErrUserBucketNotFound
		}
		// keys are big endian sequences so the cursor yields oldest first
		return ub.ForEach(func(k, _ []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			data := matches.Get(k)
			if data == nil {
				return nil
			}
			var rec MatchResultRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("failed to decode match %x: %w", k, err)
			}
			out = append(out, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltDB) Close() error {
	return b.db.Close()
}
