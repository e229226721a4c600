package schemas

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	schemafiles "github.com/jonathan/veo-automator/schemas"
)

const testSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["name"],
	"properties": {"name": {"type": "string"}, "count": {"type": "integer"}}
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestValidateJSON_Valid(t *testing.T) {
	schemaPath := writeFile(t, "schema.json", testSchema)
	jsonPath := writeFile(t, "doc.json", `{"name": "a", "count": 2}`)

	assert.NoError(t, ValidateJSON(schemaPath, jsonPath))
}

func TestValidateJSON_WrongType(t *testing.T) {
	schemaPath := writeFile(t, "schema.json", testSchema)
	jsonPath := writeFile(t, "doc.json", `{"name": "a", "count": "two"}`)

	err := ValidateJSON(schemaPath, jsonPath)
	require.Error(t, err)
	validationErr, ok := err.(*ValidationError)
	require.True(t, ok, "error should be ValidationError type")
	assert.Equal(t, "count", validationErr.Errors[0].Field)
}

func TestValidateJSON_NotFound(t *testing.T) {
	schemaPath := writeFile(t, "schema.json", testSchema)

	err := ValidateJSON("/nonexistent/schema.json", schemaPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema file not found")

	err = ValidateJSON(schemaPath, "/nonexistent/doc.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JSON file not found")
}

func TestValidateJSON_MissingField(t *testing.T) {
	schemaPath := writeFile(t, "schema.json", testSchema)
	jsonPath := writeFile(t, "doc.json", `{"count": 1}`)

	err := ValidateJSON(schemaPath, jsonPath)
	require.Error(t, err)
	validationErr, ok := err.(*ValidationError)
	require.True(t, ok)
	assert.Equal(t, "(root)", validationErr.Errors[0].Field)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestValidateJSON_BadSchema(t *testing.T) {
	schemaPath := writeFile(t, "schema.json", `{"type": 12}`)
	jsonPath := writeFile(t, "doc.json", `{}`)

	err := ValidateJSON(schemaPath, jsonPath)
	require.Error(t, err)
	_, ok := err.(*SchemaLoadError)
	assert.True(t, ok)
}

func TestValidatePromptFile(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		valid bool
	}{
		{"list of strings", `["a fox", "a city"]`, true},
		{"object with prompts", `{"prompts": ["a fox", {"text": "a city"}]}`, true},
		{"object with settings", `{"prompts": ["a"], "settings": {"model": "quality", "output_count": 4}}`, true},
		{"empty list", `[]`, false},
		{"blank prompt", `["   "]`, false},
		{"bad setting", `{"prompts": ["a"], "settings": {"output_count": 9}}`, false},
		{"unknown setting", `{"prompts": ["a"], "settings": {"speed": "max"}}`, false},
		{"missing prompts", `{"settings": {}}`, false},
		{"number", `42`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePromptFile([]byte(tt.doc))
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidate_UnknownSchema(t *testing.T) {
	err := Validate("nope.schema.json", []byte(`{}`))
	require.Error(t, err)
	_, ok := err.(*SchemaLoadError)
	assert.True(t, ok)
}

func TestValidate_BatchReport(t *testing.T) {
	doc := `{"id": "b", "total": 1, "succeeded": 1, "failed": 0, "success_rate": 100,
		"prompts": [{"index": 0, "prompt": "a", "success": true}], "files": ["1.mp4"],
		"started": "2025-01-01T00:00:00Z", "completed": "2025-01-01T00:05:00Z"}`
	assert.NoError(t, Validate(schemafiles.BatchReport, []byte(doc)))
}
