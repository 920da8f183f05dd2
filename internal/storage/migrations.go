package storage

import "embed"

// migrationsFS holds the Postgres (golang-migrate) and ClickHouse DDL
//
//go:embed migrations/postgres/*.sql migrations/clickhouse/*.sql
var migrationsFS embed.FS

const (
	postgresMigrationsDir   = "migrations/postgres"
	clickhouseMigrationsDir = "migrations/clickhouse"
)
