// Package migrations embeds kanmon's SQL schema so it ships inside the
// compiled binary regardless of working directory.
package migrations

import "embed"

// FS holds the embedded *.sql migration files, applied in lexical order by
// blobstore.RunMigrations.
//
//go:embed *.sql
var FS embed.FS
