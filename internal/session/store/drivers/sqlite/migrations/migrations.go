// Package migrations embeds the durable scope's schema migrations.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
