package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ErrTemplateUnresolved is returned by ResolveTemplates when a
// {{node_id.path}} token names an output or path segment that does
// not exist among the supplied upstream outputs.
type ErrTemplateUnresolved struct {
	Token string
}

func (e *ErrTemplateUnresolved) Error() string {
	return fmt.Sprintf("workflow: template_unresolved: %s", e.Token)
}

var templateToken = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_\-]+(?:\.[A-Za-z0-9_\-]+)*)\s*\}\}`)

// ResolveTemplates walks config and substitutes every {{node_id.path}}
// token found in a string leaf. outputs maps node id to that node's
// raw JSON output. It is a pure function of its two arguments: given
// the same config and outputs it always returns the same result, and
// it performs no I/O.
//
// A string leaf that is exactly one template token (no surrounding
// text) is replaced with the raw JSON value at the resolved path,
// preserving its type (number, bool, object, array). Any other string
// has each token occurrence stringified and substituted in place.
func ResolveTemplates(config json.RawMessage, outputs map[string]json.RawMessage) (json.RawMessage, error) {
	if len(config) == 0 {
		return config, nil
	}

	var tree interface{}
	if err := json.Unmarshal(config, &tree); err != nil {
		return nil, fmt.Errorf("workflow: config is not valid JSON: %w", err)
	}

	resolved, err := resolveValue(tree, outputs)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, fmt.Errorf("workflow: marshal resolved config: %w", err)
	}
	return out, nil
}

func resolveValue(v interface{}, outputs map[string]json.RawMessage) (interface{}, error) {
	switch t := v.(type) {
	case string:
		return resolveString(t, outputs)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			rv, err := resolveValue(val, outputs)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			rv, err := resolveValue(val, outputs)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveString(s string, outputs map[string]json.RawMessage) (interface{}, error) {
	matches := templateToken.FindAllStringSubmatchIndex(s, -1)
	if matches == nil {
		return s, nil
	}

	// Whole-string match: preserve the resolved value's native type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		token := s[matches[0][2]:matches[0][3]]
		val, err := lookupToken(token, outputs)
		if err != nil {
			return nil, err
		}
		var native interface{}
		if err := json.Unmarshal(val, &native); err != nil {
			return nil, fmt.Errorf("workflow: resolved value for %q is not valid JSON: %w", token, err)
		}
		return native, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end, tokStart, tokEnd := m[0], m[1], m[2], m[3]
		b.WriteString(s[last:start])
		token := s[tokStart:tokEnd]
		val, err := lookupToken(token, outputs)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(val))
		last = end
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

func lookupToken(token string, outputs map[string]json.RawMessage) (json.RawMessage, error) {
	parts := strings.Split(token, ".")
	nodeID := parts[0]
	path := parts[1:]

	output, ok := outputs[nodeID]
	if !ok {
		return nil, &ErrTemplateUnresolved{Token: token}
	}

	var cur interface{}
	if err := json.Unmarshal(output, &cur); err != nil {
		return nil, &ErrTemplateUnresolved{Token: token}
	}

	for _, seg := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, &ErrTemplateUnresolved{Token: token}
		}
		next, ok := m[seg]
		if !ok {
			return nil, &ErrTemplateUnresolved{Token: token}
		}
		cur = next
	}

	raw, err := json.Marshal(cur)
	if err != nil {
		return nil, &ErrTemplateUnresolved{Token: token}
	}
	return raw, nil
}

func stringify(raw json.RawMessage) string {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	if s, ok := v.(string); ok {
		return s
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}
