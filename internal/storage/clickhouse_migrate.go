package storage

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/memefolio/internal/logging"
)

// RunClickHouseMigrations executes the embedded ClickHouse DDL files in name order.
// Statements are idempotent (IF NOT EXISTS), so reruns are safe.
func RunClickHouseMigrations(ctx context.Context, db *ClickHouseDB) error {
	entries, err := fs.ReadDir(migrationsFS, clickhouseMigrationsDir)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	logger := logging.FromContext(ctx)
	for _, name := range files {
		content, err := fs.ReadFile(migrationsFS, path.Join(clickhouseMigrationsDir, name))
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", name, err)
		}

		for i, stmt := range splitSQLStatements(string(content)) {
			logger.WithFields(map[string]interface{}{
				"file":      name,
				"statement": i + 1,
			}).Debugf("executing %s", truncateSQL(stmt, 80))

			if err := db.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute statement %d in %s: %w", i+1, name, err)
			}
		}
		logger.WithField("file", name).Info("applied clickhouse migration")
	}
	return nil
}

// splitSQLStatements splits SQL content into individual statements,
// dropping comment-only lines and trailing semicolons.
func splitSQLStatements(content string) []string {
	var statements []string
	var current strings.Builder

	flush := func() {
		stmt := strings.TrimSuffix(strings.TrimSpace(current.String()), ";")
		if stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}
	flush()

	return statements
}

func truncateSQL(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
