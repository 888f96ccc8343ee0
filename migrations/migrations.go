// Package migrations embeds the SQL schema so binaries can migrate without the source tree.
package migrations

import "embed"

// Postgres holds the golang-migrate files under postgres/
//
//go:embed postgres/*.sql
var Postgres embed.FS
