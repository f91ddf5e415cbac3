// Package migrations embeds the message store schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
