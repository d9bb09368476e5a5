// Package web embeds the browser shell served by the API.
package web

import "embed"

// Assets holds index.html, the scripts and the static images.
//
//go:embed index.html app.js sw.js images
var Assets embed.FS
