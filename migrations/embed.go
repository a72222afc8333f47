// Package migrations embeds the SQL migration files that define the
// platform schema (groups, fleet, audit tables).
package migrations

import "embed"

// FS holds the embedded SQL migration files.
//
//go:embed *.sql
var FS embed.FS
