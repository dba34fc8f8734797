package database

import (
	"context"
	"embed"
	"fmt"
	"path"
	"strings"

	"github.com/sirupsen/logrus"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrations embed.FS

// runMigrations applies every embedded .sql file of one dialect in lexical
// order. Files are written to be re-runnable.
func runMigrations(ctx context.Context, dialect string, exec func(ctx context.Context, sql string) error, log *logrus.Logger) error {
	dir := path.Join("migrations", dialect)
	entries, err := migrations.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		b, err := migrations.ReadFile(path.Join(dir, e.Name()))
		if err != nil {
			return err
		}
		if err := exec(ctx, string(b)); err != nil {
			return fmt.Errorf("%s/%s: %w", dialect, e.Name(), err)
		}
		log.WithFields(logrus.Fields{"dialect": dialect, "file": e.Name()}).Info("migration applied")
	}
	return nil
}
