// Package migrations embeds the idempotent schema files applied at startup.
package migrations

import "embed"

// FS holds every *.sql file in this directory.
//
//go:embed *.sql
var FS embed.FS
