package migrations

import "embed"

//go:embed scripts
var FS embed.FS
