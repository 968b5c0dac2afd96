// Package migrations embeds the ordered schema migration files consumed by
// the db.Migrator at startup and by the migrate CLI subcommand.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
