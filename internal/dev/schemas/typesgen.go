package schemas

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/windmill-labs/windmill-sub006/internal/dev/runnable"
)

// TypesFile is the generated declaration file at the app root.
const TypesFile = "wmill.d.ts"

const typesHeader = "// Generated by wmill-dev from the app runnables. DO NOT EDIT.\n"

// SchemaFor picks the schema used for a runnable: the inferred one if
// cached, else the one stored in its definition.
func SchemaFor(id string, r *runnable.Runnable, inferred map[string]*Schema) *Schema {
	if r == nil || r.Kind != runnable.KindInline {
		return nil
	}
	if s, ok := inferred[id]; ok {
		return s
	}
	return ParseSchema(r.Inline.Schema)
}

// GenerateTypes renders the declaration file for the given runnables.
// Ids and properties are emitted in sorted order, so equal input always
// yields identical bytes.
func GenerateTypes(runnables map[string]*runnable.Runnable, inferred map[string]*Schema) []byte {
	ids := make([]string, 0, len(runnables))
	for id := range runnables {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var buf bytes.Buffer
	buf.WriteString(typesHeader)

	for _, decl := range []struct {
		name   string
		result string
	}{
		{"backend", "Promise<any>"},
		{"backendAsync", "Promise<string>"},
	} {
		buf.WriteString("\n")
		if len(ids) == 0 {
			fmt.Fprintf(&buf, "declare const %s: {};\n", decl.name)
			continue
		}
		fmt.Fprintf(&buf, "declare const %s: {\n", decl.name)
		for _, id := range ids {
			args := argsType(SchemaFor(id, runnables[id], inferred))
			fmt.Fprintf(&buf, "  %s: (%s) => %s;\n", tsKey(id), args, decl.result)
		}
		buf.WriteString("};\n")
	}

	return buf.Bytes()
}

func argsType(s *Schema) string {
	if s == nil {
		return "args?: any"
	}
	if len(s.Properties) == 0 {
		return "args?: {}"
	}

	var fields []string
	for _, name := range s.SortedNames() {
		opt := "?"
		if s.IsRequired(name) {
			opt = ""
		}
		fields = append(fields, fmt.Sprintf("%s%s: %s", tsKey(name), opt, tsOf(s.Properties[name])))
	}
	return "args: { " + strings.Join(fields, "; ") + " }"
}

func tsOf(p *Property) string {
	if p == nil {
		return "any"
	}
	if len(p.Enum) > 0 {
		lits := make([]string, len(p.Enum))
		for i, e := range p.Enum {
			lits[i] = strconv.Quote(e)
		}
		return strings.Join(lits, " | ")
	}
	switch p.Type {
	case "string":
		return "string"
	case "number", "integer":
		return "number"
	case "boolean":
		return "boolean"
	case "array":
		item := tsOf(p.Items)
		if strings.Contains(item, " ") {
			item = "(" + item + ")"
		}
		return item + "[]"
	case "object":
		return "Record<string, any>"
	default:
		return "any"
	}
}

// tsKey quotes ids that are not valid identifiers.
func tsKey(id string) string {
	if identRe.MatchString(id) {
		return id
	}
	return strconv.Quote(id)
}

// WriteIfChanged writes data to path unless the file already holds exactly
// those bytes. It reports whether the file was written.
func WriteIfChanged(path string, data []byte) (bool, error) {
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, data) {
		return false, nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".wmill-*.d.ts")
	if err != nil {
		return false, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return false, fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return false, fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return true, nil
}
