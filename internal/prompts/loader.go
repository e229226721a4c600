// Package prompts loads the prompt list for a batch. A prompt file is either
// plain text with one prompt per non-empty line, or JSON validated against
// the embedded prompt-file schema.
package prompts

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jonathan/veo-automator/internal/schemas"
	"github.com/jonathan/veo-automator/internal/workflow"
)

// Format names how a prompt file was read.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// File is a parsed prompt file.
type File struct {
	Path    string
	Format  Format
	Prompts []string
	// Settings holds the generation settings given in a JSON file. Absent
	// fields are zero.
	Settings workflow.Settings
}

// Apply overlays the file's settings onto base.
func (f *File) Apply(base workflow.Settings) workflow.Settings {
	if f.Settings.ProjectType != "" {
		base.ProjectType = f.Settings.ProjectType
	}
	if f.Settings.Model != "" {
		base.Model = f.Settings.Model
	}
	if f.Settings.OutputCount != 0 {
		base.OutputCount = f.Settings.OutputCount
	}
	if f.Settings.AspectRatio != "" {
		base.AspectRatio = f.Settings.AspectRatio
	}
	return base
}

// Load reads and parses the prompt file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt file %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt file %s: %w", path, err)
	}
	f.Path = path
	return f, nil
}

// Parse reads prompts from data. Content starting with '[' or '{' must be a
// valid JSON prompt file; anything else is read line by line.
func Parse(data []byte) (*File, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '{') {
		return parseJSON(trimmed)
	}

	f := &File{Format: FormatText}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			f.Prompts = append(f.Prompts, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(f.Prompts) == 0 {
		return nil, fmt.Errorf("no prompts found")
	}
	return f, nil
}

type promptItem struct {
	Text string `json:"text"`
}

type jsonFile struct {
	Prompts  []json.RawMessage `json:"prompts"`
	Settings workflow.Settings `json:"settings"`
}

func parseJSON(data []byte) (*File, error) {
	if err := schemas.ValidatePromptFile(data); err != nil {
		return nil, err
	}

	var doc jsonFile
	if data[0] == '[' {
		if err := json.Unmarshal(data, &doc.Prompts); err != nil {
			return nil, err
		}
	} else if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	f := &File{Format: FormatJSON, Settings: doc.Settings}
	for i, raw := range doc.Prompts {
		text, err := decodeItem(raw)
		if err != nil {
			return nil, fmt.Errorf("prompt %d: %w", i, err)
		}
		f.Prompts = append(f.Prompts, text)
	}
	return f, nil
}

func decodeItem(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var item promptItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return "", err
	}
	return strings.TrimSpace(item.Text), nil
}
