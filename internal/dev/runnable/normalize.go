package runnable

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Legacy discriminants, as written by older app formats.
const (
	legacyTypeByName = "runnableByName"
	legacyTypeByPath = "runnableByPath"
)

// keyAliases maps legacy snake_case keys onto their canonical names.
var keyAliases = map[string]string{
	"inline_script":        "inlineScript",
	"run_type":             "runType",
	"allow_user_resources": "allowUserResources",
	"cacheTtl":             "cache_ttl",
}

// Normalize rewrites a decoded definition into the canonical shape:
// "type" is "inline" or "path", inline code lives under "inlineScript",
// and field options use their canonical key names.
//
// The input is not modified. Normalize is idempotent: normalizing an
// already canonical document returns an equal document.
func Normalize(doc map[string]any) map[string]any {
	out := renameKeys(doc)

	switch t, _ := out["type"].(string); t {
	case legacyTypeByName:
		out["type"] = string(KindInline)
	case legacyTypeByPath:
		out["type"] = string(KindPath)
	case "":
		if _, ok := out["inlineScript"]; ok {
			out["type"] = string(KindInline)
		} else if _, ok := out["path"]; ok {
			out["type"] = string(KindPath)
		}
	}

	if is, ok := out["inlineScript"].(map[string]any); ok {
		out["inlineScript"] = renameKeys(is)
	}

	if fields, ok := out["fields"].(map[string]any); ok {
		nf := make(map[string]any, len(fields))
		for k, v := range fields {
			if m, ok := v.(map[string]any); ok {
				nf[k] = renameKeys(m)
			} else {
				nf[k] = v
			}
		}
		out["fields"] = nf
	}

	return out
}

func renameKeys(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if alias, ok := keyAliases[k]; ok {
			// Canonical key wins when both are present.
			if _, exists := in[alias]; exists {
				continue
			}
			k = alias
		}
		out[k] = v
	}
	return out
}

// Decode builds a Runnable from a definition document.
// The document is normalized first, so legacy shapes are accepted.
func Decode(id string, doc map[string]any) (*Runnable, error) {
	doc = Normalize(doc)

	r := &Runnable{
		ID:     id,
		Kind:   Kind(stringOf(doc["type"])),
		Name:   stringOf(doc["name"]),
		Fields: map[string]Field{},
	}

	switch r.Kind {
	case KindInline:
		is, ok := doc["inlineScript"].(map[string]any)
		if !ok {
			// The code may still come from a sibling file.
			is = map[string]any{}
		}
		script, err := decodeInline(is)
		if err != nil {
			return nil, fmt.Errorf("%w: runnable %q: %v", ErrInvalidRunnable, id, err)
		}
		r.Inline = script
	case KindPath:
		r.Path = &PathRef{
			Path:    stringOf(doc["path"]),
			RunType: RunType(stringOf(doc["runType"])),
		}
	default:
		return nil, fmt.Errorf("%w: runnable %q has unknown type %q", ErrInvalidRunnable, id, stringOf(doc["type"]))
	}

	if fields, ok := doc["fields"].(map[string]any); ok {
		for key, v := range fields {
			m, ok := v.(map[string]any)
			if !ok {
				continue
			}
			r.Fields[key] = Field{
				Type:               FieldType(stringOf(m["type"])),
				Value:              m["value"],
				Ctx:                stringOf(m["ctx"]),
				AllowUserResources: boolOf(m["allowUserResources"]),
			}
		}
	}

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func decodeInline(m map[string]any) (*InlineScript, error) {
	s := &InlineScript{
		Content:  stringOf(m["content"]),
		Language: stringOf(m["language"]),
		Lock:     stringOf(m["lock"]),
	}

	if v, ok := m["cache_ttl"]; ok && v != nil {
		n, err := intOf(v)
		if err != nil {
			return nil, fmt.Errorf("cache_ttl: %w", err)
		}
		ttl := int(n)
		s.CacheTTL = &ttl
	}
	if v, ok := m["id"]; ok && v != nil {
		n, err := intOf(v)
		if err != nil {
			return nil, fmt.Errorf("id: %w", err)
		}
		s.PrecompiledID = &n
	}
	if v, ok := m["schema"]; ok && v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("schema: %w", err)
		}
		s.Schema = data
	}
	return s, nil
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func boolOf(v any) bool {
	b, _ := v.(bool)
	return b
}

func intOf(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}
