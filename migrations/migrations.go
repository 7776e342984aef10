// Package migrations embeds the database schema so the binaries carry it
// and never depend on a migrations directory being shipped alongside.
package migrations

import "embed"

//go:embed *.up.sql
var FS embed.FS
