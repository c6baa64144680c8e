package runnable

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/windmill-labs/windmill-sub006/internal/remote"
)

// CtxPlaceholder returns the server-resolved reference for a ctx field.
func CtxPlaceholder(key string) string {
	return "$ctx:" + key
}

// BuildRequest turns a runnable and its call arguments into an app
// component execution request.
//
// Static fields are forced to their literal value and ctx fields to a
// placeholder the platform resolves for the viewer. User fields that allow
// user resources are only listed by key. No other field is forwarded.
func BuildRequest(appPath, runnableID string, r *Runnable, args json.RawMessage) (*remote.ExecuteComponentRequest, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunnableNotFound, runnableID)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}

	req := &remote.ExecuteComponentRequest{
		Component:                     runnableID,
		Args:                          args,
		ForceViewerStaticFields:       map[string]any{},
		ForceViewerOneOfFields:        map[string]any{},
		ForceViewerAllowUserResources: []string{},
	}

	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		field := r.Fields[key]
		switch field.Type {
		case FieldStatic:
			req.ForceViewerStaticFields[key] = field.Value
		case FieldCtx:
			req.ForceViewerStaticFields[key] = CtxPlaceholder(field.Ctx)
		case FieldUser:
			if field.AllowUserResources {
				req.ForceViewerAllowUserResources = append(req.ForceViewerAllowUserResources, key)
			}
		}
	}

	switch r.Kind {
	case KindInline:
		s := r.Inline
		if s.PrecompiledID == nil && s.Unresolved() {
			return nil, fmt.Errorf("%w: runnable %q still references %q", ErrUnresolvedInline, runnableID, s.Content[len(InlineMarker):])
		}
		code := &remote.RawCode{
			Language: s.Language,
			Path:     appPath + "/" + runnableID,
			CacheTTL: s.CacheTTL,
		}
		if s.PrecompiledID != nil {
			req.ID = s.PrecompiledID
		} else {
			code.Content = s.Content
			code.Lock = s.Lock
		}
		req.RawCode = code
	case KindPath:
		req.Path = r.Path.RunType.Prefix() + "/" + r.Path.Path
	}

	return req, nil
}
