// Package static embeds and serves the document view's stylesheet and script.
package static

import (
	"embed"
	"net/http"
	"strings"
)

//go:embed css/*.css js/*.js
var assets embed.FS

// HTTP returns an http.FileSystem backed by the embedded assets.
func HTTP() http.FileSystem {
	return http.FS(assets)
}

// Has reports whether the given relative path exists in the embedded assets.
func Has(name string) bool {
	name = strings.TrimPrefix(name, "/")
	f, err := assets.Open(name)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}
