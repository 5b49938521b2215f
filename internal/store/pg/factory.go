package pg

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/roomclaw/internal/bus"
	"github.com/nextlevelbuilder/roomclaw/internal/store"
)

// NewPGStores creates all stores backed by Postgres (managed mode).
// With cfg.Listen set, a LISTEN/NOTIFY listener feeds inserts from every
// instance onto feed until ctx is cancelled or the store is closed.
func NewPGStores(ctx context.Context, cfg store.StoreConfig, feed bus.EventPublisher) (*store.Stores, error) {
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	ms := NewPGMessageStore(db, feed, nil)
	if cfg.Listen {
		ms.listener = NewListener(cfg.PostgresDSN, ms, ms.feed)
		ms.listener.Start(ctx)
	}

	return &store.Stores{Messages: ms}, nil
}
