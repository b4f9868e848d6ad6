// Package templates embeds the default configuration and the handoff prompt.
package templates

import "embed"

//go:embed config.yaml handoff_prompt.tmpl
var FS embed.FS
