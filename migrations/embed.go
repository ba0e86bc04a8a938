// Package migrations embeds the PostgreSQL schema migrations so they work
// regardless of working directory.
package migrations

import "embed"

// FS is the embedded migrations filesystem.
//
//go:embed *.sql
var FS embed.FS
