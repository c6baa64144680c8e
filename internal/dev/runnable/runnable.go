// Package runnable loads the backend runnables of an app under local
// development and turns them into remote execution requests.
//
// Definitions live next to the app as backend/<id>.yaml, with the code of
// inline runnables in a sibling file (backend/<id>.ts, backend/<id>.py, ...).
// Older apps keep everything under the "runnables" key of raw_app.yaml and use
// different discriminants; Normalize maps both shapes onto one canonical form
// when a definition is loaded, so the rest of the bridge only ever sees a
// Runnable of Kind KindInline or KindPath.
package runnable

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind discriminates the two runnable variants.
type Kind string

const (
	// KindInline is code stored with the app.
	KindInline Kind = "inline"
	// KindPath is a reference to a deployed script or flow.
	KindPath Kind = "path"
)

// RunType is what a path reference points at.
type RunType string

const (
	RunTypeScript    RunType = "script"
	RunTypeFlow      RunType = "flow"
	RunTypeHubScript RunType = "hubscript"
)

// Prefix returns the execution path prefix for the run type.
// Hub scripts run through the script endpoint, so they map to "script".
func (rt RunType) Prefix() string {
	if rt == RunTypeHubScript {
		return string(RunTypeScript)
	}
	return string(rt)
}

// Valid reports whether rt is a known run type.
func (rt RunType) Valid() bool {
	switch rt {
	case RunTypeScript, RunTypeFlow, RunTypeHubScript:
		return true
	}
	return false
}

// InlineMarker prefixes content that still lives in another file.
const InlineMarker = "!inline "

// InlineScript is the code of an inline runnable.
type InlineScript struct {
	Content  string
	Language string
	Lock     string
	CacheTTL *int

	// PrecompiledID references an already deployed version of the code.
	// When set, content and lock are not sent.
	PrecompiledID *int64

	// Schema is the parameter schema stored in the definition, if any.
	Schema json.RawMessage
}

// Unresolved reports whether the content is still a deferred file marker.
func (s *InlineScript) Unresolved() bool {
	return strings.HasPrefix(s.Content, InlineMarker)
}

// PathRef points at a deployed script or flow.
type PathRef struct {
	Path    string
	RunType RunType
}

// FieldType is the kind of a field binding.
type FieldType string

const (
	FieldStatic FieldType = "static"
	FieldCtx    FieldType = "ctx"
	FieldUser   FieldType = "user"
)

// Field is one declared input binding of a runnable.
type Field struct {
	Type FieldType

	// Value is the literal of a static field
	Value any

	// Ctx is the server-side context key of a ctx field (e.g. "email")
	Ctx string

	// AllowUserResources lets a user field receive the viewer's resources
	AllowUserResources bool
}

// Runnable is the canonical runnable representation.
// Exactly one of Inline and Path is set, matching Kind.
type Runnable struct {
	ID     string
	Kind   Kind
	Name   string
	Inline *InlineScript
	Path   *PathRef
	Fields map[string]Field
}

// Validate checks the variant invariants.
func (r *Runnable) Validate() error {
	switch r.Kind {
	case KindInline:
		if r.Inline == nil {
			return fmt.Errorf("%w: inline runnable %q has no inline script", ErrInvalidRunnable, r.ID)
		}
		if r.Path != nil {
			return fmt.Errorf("%w: inline runnable %q also has a path", ErrInvalidRunnable, r.ID)
		}
	case KindPath:
		if r.Path == nil || r.Path.Path == "" {
			return fmt.Errorf("%w: path runnable %q has no path", ErrInvalidRunnable, r.ID)
		}
		if !r.Path.RunType.Valid() {
			return fmt.Errorf("%w: path runnable %q has unknown run type %q", ErrInvalidRunnable, r.ID, r.Path.RunType)
		}
		if r.Inline != nil {
			return fmt.Errorf("%w: path runnable %q also has inline code", ErrInvalidRunnable, r.ID)
		}
	default:
		return fmt.Errorf("%w: runnable %q has unknown kind %q", ErrInvalidRunnable, r.ID, r.Kind)
	}
	return nil
}
