package status

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	sqlStore, err := OpenSQLite(filepath.Join(t.TempDir(), "status.db"), nil)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	pebbleStore, err := OpenPebble(filepath.Join(t.TempDir(), "status"))
	if err != nil {
		t.Fatalf("OpenPebble failed: %v", err)
	}
	stores := map[string]Store{"sqlite": sqlStore, "pebble": pebbleStore}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func TestUpsertMergesAttributes(t *testing.T) {
	ctx := context.Background()
	inflated := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	indexed := time.Date(2024, 5, 1, 0, 5, 0, 0, time.UTC)

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Get(ctx, "ksp", "Mod"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}

			err := s.Upsert(ctx, "ksp", "Mod", Attrs{
				Success:      Bool(true),
				Frozen:       Bool(true),
				LastInflated: Time(inflated),
				LastIndexed:  Time(indexed),
				Resources:    Resources{"homepage": "https://example.com"},
			})
			if err != nil {
				t.Fatalf("first Upsert failed: %v", err)
			}

			// Only the attributes set here may change
			err = s.Upsert(ctx, "ksp", "Mod", Attrs{
				Success:   Bool(false),
				Frozen:    Bool(false),
				LastError: String("Curl download failed"),
			})
			if err != nil {
				t.Fatalf("second Upsert failed: %v", err)
			}

			got, err := s.Get(ctx, "ksp", "Mod")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			want := &ModStatus{
				ModIdentifier: "Mod",
				GameID:        "ksp",
				Success:       false,
				Frozen:        false,
				LastError:     "Curl download failed",
				LastInflated:  &inflated,
				LastIndexed:   &indexed,
				Resources:     Resources{"homepage": "https://example.com"},
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("record mismatch (-want +got):\n%s", diff)
			}

			if _, err := s.Get(ctx, "ksp2", "Mod"); !errors.Is(err, ErrNotFound) {
				t.Errorf("records are per game, got %v", err)
			}
		})
	}
}

func TestUpsertNothingCreates(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Upsert(ctx, "ksp", "Empty", Attrs{}); err != nil {
				t.Fatalf("Upsert failed: %v", err)
			}
			if _, err := s.Get(ctx, "ksp", "Empty"); err != nil {
				t.Errorf("expected record to exist: %v", err)
			}
		})
	}
}

func TestScan(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var want []string
			for i := 0; i < 40; i++ {
				id := fmt.Sprintf("Mod%02d", i)
				want = append(want, id)
				if err := s.Upsert(ctx, "ksp", id, Attrs{Success: Bool(true)}); err != nil {
					t.Fatal(err)
				}
			}
			if err := s.Upsert(ctx, "ksp2", "Other", Attrs{Success: Bool(true)}); err != nil {
				t.Fatal(err)
			}

			var got []string
			err := s.Scan(ctx, "ksp", func(st *ModStatus) error {
				got = append(got, st.ModIdentifier)
				return nil
			})
			if err != nil {
				t.Fatalf("Scan failed: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("scan mismatch (-want +got):\n%s", diff)
			}

			stop := errors.New("stop")
			calls := 0
			err = s.Scan(ctx, "ksp", func(*ModStatus) error {
				calls++
				return stop
			})
			if !errors.Is(err, stop) || calls != 1 {
				t.Errorf("Scan should stop on callback error, got %v after %d calls", err, calls)
			}
		})
	}
}

func TestLastUpdate(t *testing.T) {
	indexed := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	released := time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)

	s := &ModStatus{LastIndexed: &indexed}
	if s.LastUpdate() != &indexed {
		t.Error("expected last indexed without a release date")
	}
	s.ReleaseDate = &released
	if s.LastUpdate() != &released {
		t.Error("release date takes precedence")
	}
	if (&ModStatus{}).LastUpdate() != nil {
		t.Error("expected nil for an empty record")
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open("dynamo", t.TempDir(), nil); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
