// Package migrations embeds the PostgreSQL schema for the tree store.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
