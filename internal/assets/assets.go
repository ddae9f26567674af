// Package assets bundles the default files uploaded to a GMN host.
package assets

import "embed"

// Names of the bundled templates.
const (
	Sudoers = "01_gmn.tmpl"
	Cron    = "gmn_cron.tmpl"
)

// FS holds the bundled templates.
//
//go:embed 01_gmn.tmpl gmn_cron.tmpl
var FS embed.FS
