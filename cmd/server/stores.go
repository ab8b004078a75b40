package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/replyflow/engagement/config"
	"github.com/replyflow/engagement/internal/audit"
	"github.com/replyflow/engagement/internal/auth"
	"github.com/replyflow/engagement/internal/organizations"
	"github.com/replyflow/engagement/internal/queue"
	"github.com/replyflow/engagement/internal/rules"
	"github.com/replyflow/engagement/internal/stages"
	"github.com/replyflow/engagement/pkg/database"
)

// stores is the persistence layer selected by STORE_DRIVER.
type stores struct {
	audit   audit.Store
	users   auth.Store
	orgs    organizations.Store
	queue   queue.Store
	rules   rules.Store
	posts   stages.PostStore
	results stages.Store
	close   func()
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	if cfg.Database.Driver == "memory" {
		logger.Warn("using in-memory stores; data is lost on restart")
		trail := audit.NewMemoryStore()
		users := auth.NewMemoryStore()
		st := stages.NewMemoryStore()
		return &stores{
			audit:   trail,
			users:   users,
			orgs:    organizations.NewMemoryStore(trail, users),
			queue:   queue.NewMemoryStore(trail),
			rules:   rules.NewMemoryStore(trail),
			posts:   st,
			results: st,
			close:   func() {},
		}, nil
	}

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, err
	}
	st := stages.NewRepository(pool)
	return &stores{
		audit:   audit.NewRepository(pool),
		users:   auth.NewRepository(pool),
		orgs:    organizations.NewRepository(pool),
		queue:   queue.NewRepository(pool),
		rules:   rules.NewRepository(pool),
		posts:   st,
		results: st,
		close:   pool.Close,
	}, nil
}
