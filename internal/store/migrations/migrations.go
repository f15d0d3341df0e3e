// Package migrations embeds the cache.db schema migration files.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
