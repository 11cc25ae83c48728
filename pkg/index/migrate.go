package index

import (
	"context"
	"fmt"
)

// Migrate copies the persisted set from src into dst and returns how many
// paths were written. dst's previous contents are replaced.
func Migrate(ctx context.Context, src, dst Store) (int, error) {
	paths, err := src.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("migrate: load: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := dst.Save(ctx, paths); err != nil {
		return 0, fmt.Errorf("migrate: save: %w", err)
	}
	return len(paths), nil
}
