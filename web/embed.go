// Package web carries the document templates compiled into the binaries.
package web

import "embed"

// Templates embeds HTML templates.
//
//go:embed templates/*.html
var Templates embed.FS
