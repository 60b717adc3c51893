// Package prompts embeds the workflow's stage prompts.
package prompts

import "embed"

//go:embed *.md
var FS embed.FS
