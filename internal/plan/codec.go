package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/stagehand/internal/errors"
)

// Format is a plan file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFor picks the encoding from a file extension, defaulting to JSON.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Marshal encodes p in the given format.
func Marshal(p *Plan, format Format) ([]byte, error) {
	switch format {
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(p); err != nil {
			return nil, fmt.Errorf("failed to marshal plan: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("failed to marshal plan: %w", err)
		}
		return buf.Bytes(), nil
	default:
		data, err := json.MarshalIndent(p, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal plan: %w", err)
		}
		return data, nil
	}
}

// Unmarshal decodes a plan in the given format.
func Unmarshal(data []byte, format Format) (*Plan, error) {
	var p Plan
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &p)
	default:
		err = json.Unmarshal(data, &p)
	}
	if err != nil {
		return nil, errors.NewValidationError("failed to decode plan").WithCause(err)
	}
	return &p, nil
}

// Load reads and decodes a plan file. It does not validate.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("plan", path).WithCause(errors.ErrPlanNotFound)
		}
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	return Unmarshal(data, FormatFor(path))
}

// Save writes p to path, creating parent directories.
func Save(p *Plan, path string) error {
	data, err := Marshal(p, FormatFor(path))
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write plan file: %w", err)
	}
	return nil
}

var fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// ParseOutput extracts a plan from free-form worker output. It tries, in
// order, a fenced code block, the outermost brace pair, and the raw text.
func ParseOutput(text string) (*Plan, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.NewValidationError("planner output is empty").WithCause(errors.ErrPlanInvalid)
	}

	var candidates []string
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, m[1])
	}
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start != -1 && end > start {
		candidates = append(candidates, text[start:end+1])
	}
	candidates = append(candidates, text)

	var lastErr error
	for _, c := range candidates {
		var p Plan
		if err := json.Unmarshal([]byte(c), &p); err != nil {
			lastErr = err
			continue
		}
		if len(p.Stages) == 0 && p.Title == "" {
			lastErr = fmt.Errorf("JSON object is not a plan")
			continue
		}
		return &p, nil
	}
	return nil, errors.NewValidationError("no plan found in planner output").WithCause(errors.Join(errors.ErrPlanInvalid, lastErr))
}
