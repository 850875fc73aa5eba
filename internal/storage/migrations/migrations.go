// Package migrations embeds the SQL schema migrations for the Postgres
// row-store backend.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
