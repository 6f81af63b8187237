package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// toJSON turns a YAML document into JSON so both formats go through the same
// strict decoder. JSON input passes through untouched. Only one YAML document
// is allowed per file.
func toJSON(path string, data []byte) ([]byte, error) {
	if !isYAMLPath(path) {
		return data, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var doc any
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return []byte("{}"), nil
		}
		return nil, fmt.Errorf("yaml: %w", err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err != nil {
			return nil, fmt.Errorf("yaml: %w", err)
		}
		return nil, errors.New("yaml: multiple documents in config file")
	}

	doc, err := stringKeys(doc)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// stringKeys rewrites YAML maps so encoding/json accepts them. Non-string
// keys such as `1:` are rendered with %v.
func stringKeys(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		for k, val := range x {
			nv, err := stringKeys(val)
			if err != nil {
				return nil, err
			}
			x[k] = nv
		}
		return x, nil
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, val := range x {
			nv, err := stringKeys(val)
			if err != nil {
				return nil, err
			}
			key := fmt.Sprint(k)
			if _, dup := m[key]; dup {
				return nil, fmt.Errorf("yaml: key %q appears twice after conversion", key)
			}
			m[key] = nv
		}
		return m, nil
	case []any:
		for i := range x {
			nv, err := stringKeys(x[i])
			if err != nil {
				return nil, err
			}
			x[i] = nv
		}
		return x, nil
	default:
		return v, nil
	}
}
