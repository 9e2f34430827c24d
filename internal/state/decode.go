package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	errEmptyFile  = errors.New("empty file")
	errNotMapping = errors.New("top-level value is not a mapping")
)

// rawMember accepts both the "agentType" and "type" spellings.
type rawMember struct {
	Name      string `json:"name" yaml:"name"`
	AgentType string `json:"agentType" yaml:"agentType"`
	Type      string `json:"type" yaml:"type"`
	Status    string `json:"status" yaml:"status"`
}

type rawConfig struct {
	Members []rawMember `json:"members" yaml:"members"`
}

type rawTask struct {
	ID          any     `json:"id" yaml:"id"`
	Subject     string  `json:"subject" yaml:"subject"`
	Description string  `json:"description" yaml:"description"`
	Status      string  `json:"status" yaml:"status"`
	Owner       *string `json:"owner" yaml:"owner"`
	Blocks      []any   `json:"blocks" yaml:"blocks"`
	BlockedBy   []any   `json:"blockedBy" yaml:"blockedBy"`
}

// decodeStructured parses data as JSON or YAML depending on the file
// extension. Extension-less files are tried as JSON first, then YAML.
func decodeStructured(name string, data []byte, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return errEmptyFile
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return decodeJSON(trimmed, v)
	case ".yaml", ".yml":
		return decodeYAML(trimmed, v)
	default:
		jsonErr := decodeJSON(trimmed, v)
		if jsonErr == nil {
			return nil
		}
		if yamlErr := decodeYAML(trimmed, v); yamlErr != nil {
			return fmt.Errorf("not json (%v) or yaml: %w", jsonErr, yamlErr)
		}
		return nil
	}
}

func decodeJSON(data []byte, v any) error {
	if data[0] != '{' {
		return errNotMapping
	}
	return json.Unmarshal(data, v)
}

func decodeYAML(data []byte, v any) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return errNotMapping
	}
	return doc.Content[0].Decode(v)
}

// idString renders a task id that may have been written as a number.
func idString(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int:
		return strconv.Itoa(id)
	default:
		return fmt.Sprint(id)
	}
}

// idStrings renders a dependency list, dropping empty entries. The result is
// never nil.
func idStrings(vs []any) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		if id := idString(v); id != "" {
			out = append(out, id)
		}
	}
	return out
}
