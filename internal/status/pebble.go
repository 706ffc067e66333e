package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/cockroachdb/pebble"
	"golang.org/x/time/rate"
)

// PebbleStore keeps status records in a local pebble database.
// Keys are {game}/{identifier}, values are JSON(ModStatus). Only one process may open it.
type PebbleStore struct {
	db      *pebble.DB
	mu      sync.Mutex
	limiter *rate.Limiter
}

// OpenPebble opens or creates the database in dir
func OpenPebble(dir string) (*PebbleStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create status directory: %w", err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open status database: %w", err)
	}
	return &PebbleStore{db: db, limiter: newScanLimiter()}, nil
}

func key(game, identifier string) []byte {
	return []byte(game + "/" + identifier)
}

func (p *PebbleStore) Get(_ context.Context, game, identifier string) (*ModStatus, error) {
	return p.get(game, identifier)
}

func (p *PebbleStore) get(game, identifier string) (*ModStatus, error) {
	data, closer, err := p.db.Get(key(game, identifier))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}
	defer closer.Close()

	var st ModStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &st, nil
}

func (p *PebbleStore) Upsert(_ context.Context, game, identifier string, attrs Attrs) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, err := p.get(game, identifier)
	if errors.Is(err, ErrNotFound) {
		st = &ModStatus{ModIdentifier: identifier, GameID: game}
	} else if err != nil {
		return err
	}
	attrs.Apply(st)

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}
	if err := p.db.Set(key(game, identifier), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write status: %w", err)
	}
	return nil
}

func (p *PebbleStore) Scan(ctx context.Context, game string, fn func(*ModStatus) error) error {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(game + "/"),
		UpperBound: []byte(game + "0"), // '0' follows '/'
	})
	if err != nil {
		return fmt.Errorf("failed to scan status: %w", err)
	}
	defer iter.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		if n%scanPage == 0 {
			if err := p.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		n++

		var st ModStatus
		if err := json.Unmarshal(iter.Value(), &st); err != nil {
			return fmt.Errorf("failed to decode status %s: %w", iter.Key(), err)
		}
		if err := fn(&st); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (p *PebbleStore) Close() error {
	return p.db.Close()
}
