// Package web holds the monitor page served by taggw serve.
package web

import "embed"

// FS holds index.html and its script and stylesheet.
//
//go:embed index.html app.js style.css
var FS embed.FS
