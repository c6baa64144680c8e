package schemas

import (
	"encoding/json"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"go/types"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrUnsupportedLanguage is returned for languages without a signature parser.
	ErrUnsupportedLanguage = errors.New("schema inference not supported for language")

	// ErrNoMain is returned when the code has no main function.
	ErrNoMain = errors.New("no main function found")
)

var (
	tsMainRe = regexp.MustCompile(`export\s+(?:async\s+)?function\s+main\s*(?:<[^>]*>)?\s*\(|export\s+const\s+main\s*=\s*(?:async\s*)?\(`)
	pyMainRe = regexp.MustCompile(`(?m)^(?:async\s+)?def\s+main\s*\(`)

	identRe = regexp.MustCompile(`^[A-Za-z_$][\w$]*$`)
)

// Infer derives the parameter schema of the main function in code.
func Infer(language, code string) (*Schema, error) {
	switch language {
	case "bun", "deno", "nativets", "bunnative", "javascript", "typescript":
		return inferTS(code)
	case "python3", "python":
		return inferPython(code)
	case "go":
		return inferGo(code)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}
}

// mainParams returns the text between the parentheses that follow the
// first match of re.
func mainParams(re *regexp.Regexp, code string) (string, error) {
	loc := re.FindStringIndex(code)
	if loc == nil {
		return "", ErrNoMain
	}
	start := loc[1] // just past "("
	depth := 1
	var quote byte
	for i := start; i < len(code); i++ {
		c := code[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			quote = c
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth == 0 {
				return code[start:i], nil
			}
		}
	}
	return "", fmt.Errorf("%w: unterminated parameter list", ErrNoMain)
}

// splitTopLevel splits s on sep outside brackets and quotes.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	var quote byte
	last := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			quote = c
		case '(', '[', '{', '<':
			depth++
		case ')', ']', '}', '>':
			// "=>" is not a closing bracket
			if c == '>' && i > 0 && s[i-1] == '=' {
				continue
			}
			depth--
		default:
			if c == sep && depth == 0 {
				parts = append(parts, s[last:i])
				last = i + 1
			}
		}
	}
	parts = append(parts, s[last:])

	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// indexTopLevel returns the index of the first sep outside brackets and
// quotes, or -1. An '=' that is part of "=>", "==", "<=", ">=" or "!=" does
// not count.
func indexTopLevel(s string, sep byte) int {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			quote = c
			continue
		case '(', '[', '{', '<':
			depth++
			continue
		case ')', ']', '}':
			depth--
			continue
		case '>':
			if i > 0 && s[i-1] == '=' {
				break
			}
			depth--
			continue
		}
		if c != sep || depth != 0 {
			continue
		}
		if sep == '=' {
			if i+1 < len(s) && (s[i+1] == '>' || s[i+1] == '=') {
				continue
			}
			if i > 0 && strings.IndexByte("=!<>", s[i-1]) >= 0 {
				continue
			}
		}
		return i
	}
	return -1
}

// splitDefault splits "decl = default" at the top-level '='.
func splitDefault(param string) (decl, def string, hasDefault bool) {
	if i := indexTopLevel(param, '='); i >= 0 {
		return strings.TrimSpace(param[:i]), strings.TrimSpace(param[i+1:]), true
	}
	return strings.TrimSpace(param), "", false
}

// splitAnnotation splits "name: type" at the top-level ':'.
func splitAnnotation(decl string) (name, typ string) {
	if i := indexTopLevel(decl, ':'); i >= 0 {
		return strings.TrimSpace(decl[:i]), strings.TrimSpace(decl[i+1:])
	}
	return strings.TrimSpace(decl), ""
}

func inferTS(code string) (*Schema, error) {
	params, err := mainParams(tsMainRe, code)
	if err != nil {
		return nil, err
	}

	s := newSchema()
	for _, param := range splitTopLevel(params, ',') {
		decl, def, hasDefault := splitDefault(param)
		name, typ := splitAnnotation(decl)

		optional := strings.HasSuffix(name, "?")
		name = strings.TrimSuffix(name, "?")
		if !identRe.MatchString(name) {
			// Destructured and rest parameters carry no usable name.
			continue
		}

		var p *Property
		if typ != "" {
			var nullable bool
			p, nullable = tsType(typ)
			optional = optional || nullable
		} else {
			p = &Property{}
		}
		if hasDefault {
			p.Default = literalValue(def)
			if p.Type == "" {
				p.Type = literalType(def)
			}
		}
		s.add(name, p, !optional && !hasDefault)
	}
	return s, nil
}

// tsType maps a TypeScript annotation. nullable is set when the union
// admits undefined or null.
func tsType(typ string) (p *Property, nullable bool) {
	members := splitTopLevel(typ, '|')
	var kept []string
	for _, m := range members {
		switch m {
		case "undefined", "null":
			nullable = true
		default:
			kept = append(kept, m)
		}
	}

	if len(kept) > 1 {
		var enum []string
		for _, m := range kept {
			lit, ok := stringLiteral(m)
			if !ok {
				return &Property{}, nullable
			}
			enum = append(enum, lit)
		}
		return &Property{Type: "string", Enum: enum}, nullable
	}
	if len(kept) == 0 {
		return &Property{}, nullable
	}

	t := kept[0]
	if lit, ok := stringLiteral(t); ok {
		return &Property{Type: "string", Enum: []string{lit}}, nullable
	}

	switch {
	case strings.HasSuffix(t, "[]"):
		item, _ := tsType(strings.TrimSuffix(t, "[]"))
		return &Property{Type: "array", Items: item}, nullable
	case strings.HasPrefix(t, "Array<") && strings.HasSuffix(t, ">"):
		item, _ := tsType(t[len("Array<") : len(t)-1])
		return &Property{Type: "array", Items: item}, nullable
	case strings.HasPrefix(t, "(") && strings.HasSuffix(t, ")"):
		return tsType(t[1 : len(t)-1])
	case strings.HasPrefix(t, "{"), strings.HasPrefix(t, "Record<"), t == "object":
		return &Property{Type: "object"}, nullable
	}

	switch t {
	case "string":
		return &Property{Type: "string"}, nullable
	case "number":
		return &Property{Type: "number"}, nullable
	case "bigint":
		return &Property{Type: "integer"}, nullable
	case "boolean":
		return &Property{Type: "boolean"}, nullable
	case "Date":
		return &Property{Type: "string", Format: "date-time"}, nullable
	case "any", "unknown":
		return &Property{}, nullable
	}

	if identRe.MatchString(t) {
		// Named types are platform resource types (e.g. Postgresql).
		return &Property{Type: "object", Format: "resource-" + strings.ToLower(t)}, nullable
	}
	return &Property{}, nullable
}

func inferPython(code string) (*Schema, error) {
	params, err := mainParams(pyMainRe, code)
	if err != nil {
		return nil, err
	}

	s := newSchema()
	for _, param := range splitTopLevel(params, ',') {
		if strings.HasPrefix(param, "*") || param == "/" {
			continue
		}
		decl, def, hasDefault := splitDefault(param)
		name, typ := splitAnnotation(decl)
		if !identRe.MatchString(name) || name == "self" {
			continue
		}

		var p *Property
		optional := false
		if typ != "" {
			p, optional = pyType(typ)
		} else {
			p = &Property{}
		}
		if hasDefault {
			if v := literalValue(def); v != nil {
				p.Default = v
			}
			if p.Type == "" {
				p.Type = literalType(def)
			}
		}
		s.add(name, p, !optional && !hasDefault)
	}
	return s, nil
}

func pyType(typ string) (p *Property, optional bool) {
	members := splitTopLevel(typ, '|')
	var kept []string
	for _, m := range members {
		if m == "None" {
			optional = true
			continue
		}
		kept = append(kept, m)
	}
	if len(kept) != 1 {
		return &Property{}, optional
	}
	t := kept[0]

	if inner, ok := generic(t, "Optional"); ok {
		p, _ := pyType(inner)
		return p, true
	}
	if inner, ok := generic(t, "Literal"); ok {
		var enum []string
		for _, m := range splitTopLevel(inner, ',') {
			if lit, ok := stringLiteral(m); ok {
				enum = append(enum, lit)
			}
		}
		return &Property{Type: "string", Enum: enum}, optional
	}
	for _, list := range []string{"list", "List"} {
		if inner, ok := generic(t, list); ok {
			item, _ := pyType(inner)
			return &Property{Type: "array", Items: item}, optional
		}
	}
	if _, ok := generic(t, "dict"); ok {
		return &Property{Type: "object"}, optional
	}
	if _, ok := generic(t, "Dict"); ok {
		return &Property{Type: "object"}, optional
	}

	switch t {
	case "str":
		return &Property{Type: "string"}, optional
	case "int":
		return &Property{Type: "integer"}, optional
	case "float":
		return &Property{Type: "number"}, optional
	case "bool":
		return &Property{Type: "boolean"}, optional
	case "list", "List":
		return &Property{Type: "array"}, optional
	case "dict", "Dict":
		return &Property{Type: "object"}, optional
	case "datetime", "datetime.datetime":
		return &Property{Type: "string", Format: "date-time"}, optional
	case "bytes":
		return &Property{Type: "string", Format: "base64"}, optional
	case "Any", "any", "object":
		return &Property{}, optional
	}

	if identRe.MatchString(t) {
		return &Property{Type: "object", Format: "resource-" + strings.ToLower(t)}, optional
	}
	return &Property{}, optional
}

// generic matches "name[inner]" and returns inner.
func generic(t, name string) (string, bool) {
	if strings.HasPrefix(t, name+"[") && strings.HasSuffix(t, "]") {
		return t[len(name)+1 : len(t)-1], true
	}
	return "", false
}

func inferGo(code string) (*Schema, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "main.go", code, parser.SkipObjectResolution)
	if err != nil {
		return nil, fmt.Errorf("failed to parse go code: %w", err)
	}

	var main *ast.FuncDecl
	for _, decl := range file.Decls {
		if fn, ok := decl.(*ast.FuncDecl); ok && fn.Recv == nil && fn.Name.Name == "main" {
			main = fn
			break
		}
	}
	if main == nil {
		return nil, ErrNoMain
	}

	s := newSchema()
	for _, field := range main.Type.Params.List {
		typ := types.ExprString(field.Type)
		for _, name := range field.Names {
			if name.Name == "_" {
				continue
			}
			s.add(name.Name, goType(typ), true)
		}
	}
	return s, nil
}

func goType(t string) *Property {
	t = strings.TrimPrefix(t, "*")
	switch {
	case strings.HasPrefix(t, "..."):
		return &Property{Type: "array", Items: goType(t[3:])}
	case strings.HasPrefix(t, "[]"):
		return &Property{Type: "array", Items: goType(t[2:])}
	case strings.HasPrefix(t, "map["):
		return &Property{Type: "object"}
	}

	switch t {
	case "string":
		return &Property{Type: "string"}
	case "int", "int8", "int16", "int32", "int64", "uint", "uint8", "uint16", "uint32", "uint64":
		return &Property{Type: "integer"}
	case "float32", "float64":
		return &Property{Type: "number"}
	case "bool":
		return &Property{Type: "boolean"}
	case "time.Time":
		return &Property{Type: "string", Format: "date-time"}
	case "any", "interface{}":
		return &Property{}
	}
	return &Property{Type: "object"}
}

// stringLiteral unquotes a single, double or backtick quoted literal.
func stringLiteral(s string) (string, bool) {
	if len(s) < 2 {
		return "", false
	}
	q := s[0]
	if (q != '"' && q != '\'' && q != '`') || s[len(s)-1] != q {
		return "", false
	}
	return s[1 : len(s)-1], true
}

// literalValue decodes a default value written in source. Unknown
// expressions yield nil.
func literalValue(s string) any {
	if lit, ok := stringLiteral(s); ok {
		return lit
	}
	switch s {
	case "True", "true":
		return true
	case "False", "false":
		return false
	case "None", "null", "undefined":
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return nil
}

// literalType guesses a JSON schema type from a default value expression.
func literalType(s string) string {
	switch literalValue(s).(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case int64:
		return "integer"
	case float64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		if strings.HasPrefix(s, "[") {
			return "array"
		}
		if strings.HasPrefix(s, "{") {
			return "object"
		}
		return ""
	}
}
