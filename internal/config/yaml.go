package config

import (
	"encoding/json"
	"errors"
	"fmt"
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

// KeyError locates a problem in the config file by dotted key path, e.g.
// "sessions.msfrpc.timeout (line 7): ...".
type KeyError struct {
	Path string
	Line int
	Msg  string
}

func (e *KeyError) Error() string {
	p := e.Path
	if p == "" {
		p = "(root)"
	}
	if e.Line > 0 {
		return fmt.Sprintf("%s (line %d): %s", p, e.Line, e.Msg)
	}
	return p + ": " + e.Msg
}

// yamlToJSON converts a YAML config document to JSON so YAML and JSON files
// share the strict decoder.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, yamlSyntaxError(err)
	}
	if doc.Kind == 0 {
		return []byte("{}"), nil
	}
	v, err := yamlValue(&doc, "")
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func yamlSyntaxError(err error) error {
	var te *yaml.TypeError
	if !errors.As(err, &te) && strings.Contains(err.Error(), "cannot start any token") {
		return fmt.Errorf("yaml: %w (quote values that start with @ or `, e.g. poll: \"@every 5s\")", err)
	}
	return fmt.Errorf("yaml: %w", err)
}

func joinKey(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func yamlValue(n *yaml.Node, path string) (any, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return map[string]any{}, nil
		}
		return yamlValue(n.Content[0], path)
	case yaml.AliasNode:
		return yamlValue(n.Alias, path)
	case yaml.MappingNode:
		return yamlMapping(n, path)
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for i, c := range n.Content {
			v, err := yamlValue(c, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.ScalarNode:
		return yamlScalar(n, path)
	}
	return nil, &KeyError{Path: path, Line: n.Line, Msg: "unsupported yaml node"}
}

func yamlMapping(n *yaml.Node, path string) (map[string]any, error) {
	out := make(map[string]any, len(n.Content)/2)
	var merges []*yaml.Node
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, v := n.Content[i], n.Content[i+1]
		if k.Kind != yaml.ScalarNode {
			return nil, &KeyError{Path: path, Line: k.Line, Msg: "mapping keys must be plain strings"}
		}
		if k.ShortTag() == "!!merge" {
			merges = append(merges, v)
			continue
		}
		child := joinKey(path, k.Value)
		if _, dup := out[k.Value]; dup {
			return nil, &KeyError{Path: child, Line: k.Line, Msg: "duplicate key"}
		}
		val, err := yamlValue(v, child)
		if err != nil {
			return nil, err
		}
		out[k.Value] = val
	}
	// "<<: *defaults" fills keys the mapping does not set itself.
	for _, m := range merges {
		val, err := yamlValue(m, path)
		if err != nil {
			return nil, err
		}
		src, ok := val.(map[string]any)
		if !ok {
			return nil, &KeyError{Path: path, Line: m.Line, Msg: "merge value must be a mapping"}
		}
		for k, v := range src {
			if _, set := out[k]; !set {
				out[k] = v
			}
		}
	}
	return out, nil
}

func yamlScalar(n *yaml.Node, path string) (any, error) {
	switch tag := n.ShortTag(); tag {
	case "!!null":
		return nil, nil
	case "!!str", "!!timestamp", "!!binary":
		return n.Value, nil
	case "!!bool", "!!int", "!!float":
		if tag != "!!bool" && isDurationKey(path) {
			return nil, &KeyError{Path: path, Line: n.Line, Msg: unitHint(n.Value)}
		}
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, &KeyError{Path: path, Line: n.Line, Msg: err.Error()}
		}
		return v, nil
	default:
		return nil, &KeyError{Path: path, Line: n.Line, Msg: fmt.Sprintf("unsupported tag %s", tag)}
	}
}
