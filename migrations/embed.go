package migrations

import "embed"

// FS holds the jobs schema
//
//go:embed *.sql
var FS embed.FS
