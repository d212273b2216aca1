// Package migrations holds the SQL schema migrations compiled into the
// binary and applied by goose at startup.
package migrations

import "embed"

// FS contains the embedded goose migration files.
//
//go:embed *.sql
var FS embed.FS
