// Package save persists game saves and replay recordings in a local BoltDB
// file. Saves captured during networked play carry their network metadata so
// loaders can restrict them to offline resume and replay.
package save

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"skirmish/netplay/internal/replay"
)

const (
	savesBucket   = "saves"
	replaysBucket = "replays"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// Session modes recorded in save metadata.
const (
	ModeOffline = "offline"
	ModeHost    = "host"
	ModeClient  = "client"
)

// Game is a persistent save record. State holds the canonical document
// snapshot; SessionSeed and ActionCounter restore the deterministic RNG
// stream alongside it.
type Game struct {
	ID            string          `json:"id"`
	Name          string          `json:"name,omitempty"`
	Mode          string          `json:"mode"`
	SessionSeed   uint64          `json:"sessionSeed"`
	ActionCounter uint64          `json:"actionCounter"`
	Turn          uint32          `json:"turn"`
	Checksum      string          `json:"checksum"`
	State         json.RawMessage `json:"state"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Networked reports whether the save was captured in a host or client
// session. Networked saves resume offline or feed replays; they never rejoin
// a live session.
func (g Game) Networked() bool {
	return g.Mode != ModeOffline
}

// Store provides a BoltDB-backed save and replay store.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("save path is required")
	}

	cleanPath := filepath.Clean(path)
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open save db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// PutGame persists a save record.
func (s *Store) PutGame(ctx context.Context, game Game) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("save store is not configured")
	}
	if strings.TrimSpace(game.ID) == "" {
		return fmt.Errorf("save id is required")
	}

	payload, err := json.Marshal(game)
	if err != nil {
		return fmt.Errorf("marshal save: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(savesBucket))
		if bucket == nil {
			return fmt.Errorf("saves bucket is missing")
		}
		return bucket.Put([]byte(game.ID), payload)
	})
}

// GetGame fetches a save record by ID.
func (s *Store) GetGame(ctx context.Context, id string) (Game, error) {
	if err := ctx.Err(); err != nil {
		return Game{}, err
	}
	if s == nil || s.db == nil {
		return Game{}, fmt.Errorf("save store is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return Game{}, fmt.Errorf("save id is required")
	}

	var game Game
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(savesBucket))
		if bucket == nil {
			return fmt.Errorf("saves bucket is missing")
		}
		payload := bucket.Get([]byte(id))
		if payload == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(payload, &game); err != nil {
			return fmt.Errorf("unmarshal save: %w", err)
		}
		return nil
	})
	if err != nil {
		return Game{}, err
	}
	return game, nil
}

// ListGames returns every save record, unordered.
func (s *Store) ListGames(ctx context.Context) ([]Game, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("save store is not configured")
	}

	var games []Game
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(savesBucket))
		if bucket == nil {
			return fmt.Errorf("saves bucket is missing")
		}
		return bucket.ForEach(func(_, payload []byte) error {
			var game Game
			if err := json.Unmarshal(payload, &game); err != nil {
				return fmt.Errorf("unmarshal save: %w", err)
			}
			games = append(games, game)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return games, nil
}

// DeleteGame removes a save record. Deleting a missing record is a no-op.
func (s *Store) DeleteGame(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("save store is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("save id is required")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(savesBucket))
		if bucket == nil {
			return fmt.Errorf("saves bucket is missing")
		}
		return bucket.Delete([]byte(id))
	})
}

// PutReplay persists a replay recording.
func (s *Store) PutReplay(ctx context.Context, rec replay.Recording) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("save store is not configured")
	}
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("replay id is required")
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal replay: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(replaysBucket))
		if bucket == nil {
			return fmt.Errorf("replays bucket is missing")
		}
		return bucket.Put([]byte(rec.ID), payload)
	})
}

// GetReplay fetches a replay recording by ID.
func (s *Store) GetReplay(ctx context.Context, id string) (replay.Recording, error) {
	if err := ctx.Err(); err != nil {
		return replay.Recording{}, err
	}
	if s == nil || s.db == nil {
		return replay.Recording{}, fmt.Errorf("save store is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return replay.Recording{}, fmt.Errorf("replay id is required")
	}

	var rec replay.Recording
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(replaysBucket))
		if bucket == nil {
			return fmt.Errorf("replays bucket is missing")
		}
		payload := bucket.Get([]byte(id))
		if payload == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("unmarshal replay: %w", err)
		}
		return nil
	})
	if err != nil {
		return replay.Recording{}, err
	}
	return rec, nil
}

// ListReplays returns every replay recording, unordered.
func (s *Store) ListReplays(ctx context.Context) ([]replay.Recording, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("save store is not configured")
	}

	var recs []replay.Recording
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(replaysBucket))
		if bucket == nil {
			return fmt.Errorf("replays bucket is missing")
		}
		return bucket.ForEach(func(_, payload []byte) error {
			var rec replay.Recording
			if err := json.Unmarshal(payload, &rec); err != nil {
				return fmt.Errorf("unmarshal replay: %w", err)
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{savesBucket, replaysBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}
