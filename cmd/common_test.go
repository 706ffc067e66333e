package cmd

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/viper"

	"github.com/bnema/netkanctl/internal/config"
	"github.com/bnema/netkanctl/internal/queue"
)

func withViper(t *testing.T, values map[string]interface{}) {
	t.Helper()
	prev := v
	v = viper.New()
	for key, value := range values {
		v.Set(key, value)
	}
	t.Cleanup(func() { v = prev })
}

func TestLoadConfigRequired(t *testing.T) {
	withViper(t, map[string]interface{}{
		config.KeyQueue:   "https://sqs.example/queue.fifo",
		config.KeyWorkDir: t.TempDir(),
	})

	if _, err := loadConfig(config.KeyQueue); err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	_, err := loadConfig(config.KeyQueue, config.KeyToken)
	if !errors.Is(err, config.ErrMissingConfig) {
		t.Fatalf("expected ErrMissingConfig, got %v", err)
	}
}

type nopHandler struct {
	queue.Batch
	game string
}

func (nopHandler) Open(context.Context) error    { return nil }
func (nopHandler) Process(context.Context) error { return nil }
func (nopHandler) Close() error                  { return nil }

func TestGameFactory(t *testing.T) {
	withViper(t, map[string]interface{}{
		config.KeyCkanMetaRemote: []string{"ksp=https://github.com/KSP-CKAN/CKAN-meta.git"},
		config.KeyWorkDir:        t.TempDir(),
	})
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}

	factory := gameFactory(cfg, func(_ context.Context, game *config.Game) (queue.Handler, error) {
		return &nopHandler{game: game.ID}, nil
	})

	h, err := factory(context.Background(), "KSP")
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	if got := h.(*nopHandler).game; got != "ksp" {
		t.Errorf("handler game = %q, want %q", got, "ksp")
	}

	if _, err := factory(context.Background(), "ksp2"); !errors.Is(err, config.ErrUnknownGame) {
		t.Errorf("expected ErrUnknownGame, got %v", err)
	}
}
