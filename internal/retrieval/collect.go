package retrieval

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sqlguard/sqlguard/internal/dbconn"
)

type CollectOptions struct {
	SampleLimit int
	Concurrency int
}

// Collect introspects q and samples text columns of every table, returning
// the tables together with the documents built from them.
func Collect(ctx context.Context, q dbconn.Queryer, opts CollectOptions) ([]dbconn.Table, []Document, error) {
	tables, err := dbconn.Introspect(ctx, q)
	if err != nil {
		return nil, nil, err
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}

	var mu sync.Mutex
	samples := make(map[string]map[string][]string, len(tables))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(opts.Concurrency)
	for _, table := range tables {
		if len(table.TextColumns()) == 0 {
			continue
		}
		group.Go(func() error {
			values, err := dbconn.SampleValues(groupCtx, q, table, opts.SampleLimit)
			if err != nil {
				return err
			}
			mu.Lock()
			samples[table.Name] = values
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, nil, fmt.Errorf("collect value samples: %w", err)
	}
	return tables, Documents(tables, samples), nil
}
