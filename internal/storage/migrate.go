package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	logx "cronrelay/pkg/logx"
)

//go:embed migrations
var migrationsFS embed.FS

// migrator is the backend half of the migration runner.
type migrator interface {
	ensureTable(ctx context.Context) error
	applied(ctx context.Context, name string) (bool, error)
	// apply runs the script and records name in one transaction.
	apply(ctx context.Context, name, script string) error
}

// runMigrations applies migrations/<dialect>/*.sql in filename order,
// skipping files already recorded.
func runMigrations(ctx context.Context, dialect string, m migrator, log logx.Logger) error {
	if err := m.ensureTable(ctx); err != nil {
		return fmt.Errorf("storage/%s: create migrations table: %w", dialect, err)
	}
	dir := "migrations/" + dialect
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("storage/%s: read migrations: %w", dialect, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		done, err := m.applied(ctx, name)
		if err != nil {
			return fmt.Errorf("storage/%s: check migration %s: %w", dialect, name, err)
		}
		if done {
			continue
		}
		b, err := fs.ReadFile(migrationsFS, dir+"/"+name)
		if err != nil {
			return fmt.Errorf("storage/%s: read migration %s: %w", dialect, name, err)
		}
		if err := m.apply(ctx, name, string(b)); err != nil {
			return fmt.Errorf("storage/%s: execute migration %s: %w", dialect, name, err)
		}
		log.Info("applied migration", logx.String("file", name))
	}
	return nil
}
