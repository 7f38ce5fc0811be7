// Package dashboard provides the embedded web UI assets for evalwatch.
//
// This package uses Go's embed directive to include the dashboard HTML, CSS,
// and JavaScript at compile time. This enables single-binary deployment
// without external asset files.
//
// The embedded assets are served by the server package at the root path ("/").
// The page renders one table per scope and applies the update, remove and
// scope events of /api/sse as they arrive.
package dashboard

import "embed"

// Assets is an embedded filesystem containing the dashboard web UI.
//
// The filesystem structure is:
//
//	assets/
//	  index.html    - Main dashboard page with inline CSS and JavaScript
//
// index.html carries a {{.Title}} placeholder that the server replaces with
// the escaped dashboard title.
//
//go:embed assets/*
var Assets embed.FS
