package agents

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var evaluationSchema = jsonschema.MustCompileString("evaluation.json", `{
	"type": "object",
	"required": ["score"],
	"properties": {
		"score": {"type": "number", "minimum": 0, "maximum": 100},
		"reasoning": {"type": "string"},
		"key_topics": {"type": "array", "items": {"type": "string"}}
	}
}`)

var answerSchema = jsonschema.MustCompileString("answer.json", `{
	"type": "object",
	"required": ["answer"],
	"properties": {
		"answer": {"type": "string"},
		"citations": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"book_id": {"type": "integer"},
					"title": {"type": "string"},
					"author": {"type": "string"},
					"quoted_text": {"type": "string"}
				}
			}
		},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1}
	}
}`)

// decodeOutput extracts the JSON object from an LLM response, validates it
// against schema, and decodes it into out. Models often wrap JSON in prose
// or code fences, so only the outermost braces are considered.
func decodeOutput(text string, schema *jsonschema.Schema, out any) error {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return fmt.Errorf("%w: no JSON object in response", ErrInvalidOutput)
	}
	raw := []byte(text[start : end+1])

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	return nil
}
