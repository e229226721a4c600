// Package schemas holds the JSON Schemas for the files the tool reads and
// writes.
package schemas

import "embed"

// FS contains every *.schema.json file in this directory.
//
//go:embed *.schema.json
var FS embed.FS

// Schema file names.
const (
	PromptFile  = "prompts.schema.json"
	BatchReport = "batch_report.schema.json"
)
