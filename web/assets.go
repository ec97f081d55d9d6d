package webassets

import "embed"

// Files contains the embedded dashboard assets.
//
//go:embed *.html
var Files embed.FS
