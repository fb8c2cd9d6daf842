// Package migrations carries the versioned SQL schema for the offline store.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
