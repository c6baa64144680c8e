package runnable

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestBuildRequest_PathPrefix(t *testing.T) {
	tests := []struct {
		name    string
		runType RunType
		path    string
		want    string
	}{
		{"flow", RunTypeFlow, "u/alice/greetFlow", "flow/u/alice/greetFlow"},
		{"script", RunTypeScript, "f/etl/load", "script/f/etl/load"},
		{"hubscript maps to script", RunTypeHubScript, "std/echo", "script/std/echo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Runnable{
				ID:     "r",
				Kind:   KindPath,
				Path:   &PathRef{Path: tt.path, RunType: tt.runType},
				Fields: map[string]Field{},
			}

			req, err := BuildRequest("u/alice/app", "r", r, nil)
			if err != nil {
				t.Fatalf("BuildRequest() failed: %v", err)
			}
			if req.Path != tt.want {
				t.Errorf("Path = %q, want %q", req.Path, tt.want)
			}
			if req.RawCode != nil {
				t.Error("path request should not carry raw code")
			}
			if string(req.Args) != "{}" {
				t.Errorf("Args = %s, want {}", req.Args)
			}
		})
	}
}

func TestBuildRequest_Inline(t *testing.T) {
	ttl := 60
	r := &Runnable{
		ID:   "a",
		Kind: KindInline,
		Inline: &InlineScript{
			Content:  "export async function main(x: number) { return x }",
			Language: "bun",
			Lock:     "{}",
			CacheTTL: &ttl,
		},
	}

	req, err := BuildRequest("u/alice/app", "a", r, json.RawMessage(`{"x":2}`))
	if err != nil {
		t.Fatalf("BuildRequest() failed: %v", err)
	}

	if req.Component != "a" {
		t.Errorf("Component = %q, want a", req.Component)
	}
	if req.Path != "" {
		t.Errorf("inline request should not carry a path, got %q", req.Path)
	}
	if req.RawCode == nil {
		t.Fatal("RawCode is nil")
	}
	if req.RawCode.Path != "u/alice/app/a" {
		t.Errorf("RawCode.Path = %q", req.RawCode.Path)
	}
	if req.RawCode.Content != r.Inline.Content || req.RawCode.Lock != "{}" {
		t.Errorf("unexpected raw code: %+v", req.RawCode)
	}
	if req.RawCode.CacheTTL == nil || *req.RawCode.CacheTTL != 60 {
		t.Errorf("CacheTTL = %v, want 60", req.RawCode.CacheTTL)
	}
	if req.ID != nil {
		t.Errorf("ID = %v, want nil", *req.ID)
	}
}

func TestBuildRequest_PrecompiledID(t *testing.T) {
	id := int64(42)
	r := &Runnable{
		ID:   "a",
		Kind: KindInline,
		Inline: &InlineScript{
			Content:       InlineMarker + "gone.ts",
			Language:      "bun",
			Lock:          "lock",
			PrecompiledID: &id,
		},
	}

	req, err := BuildRequest("app", "a", r, nil)
	if err != nil {
		t.Fatalf("BuildRequest() failed: %v", err)
	}
	if req.ID == nil || *req.ID != 42 {
		t.Fatalf("ID = %v, want 42", req.ID)
	}
	if req.RawCode.Content != "" || req.RawCode.Lock != "" {
		t.Errorf("precompiled request should not send code or lock: %+v", req.RawCode)
	}
}

func TestBuildRequest_UnresolvedInline(t *testing.T) {
	r := &Runnable{
		ID:     "a",
		Kind:   KindInline,
		Inline: &InlineScript{Content: "!inline a.ts", Language: "bun"},
	}

	_, err := BuildRequest("app", "a", r, nil)
	if !errors.Is(err, ErrUnresolvedInline) {
		t.Fatalf("BuildRequest() error = %v, want ErrUnresolvedInline", err)
	}
	if !IsResolutionError(err) {
		t.Error("IsResolutionError() = false")
	}
}

func TestBuildRequest_Fields(t *testing.T) {
	r := &Runnable{
		ID:   "q",
		Kind: KindPath,
		Path: &PathRef{Path: "f/q", RunType: RunTypeScript},
		Fields: map[string]Field{
			"limit": {Type: FieldStatic, Value: 10},
			"email": {Type: FieldCtx, Ctx: "email"},
			"db":    {Type: FieldUser, AllowUserResources: true},
			"name":  {Type: FieldUser},
			"other": {Type: "evalv2", Value: "x"},
		},
	}

	req, err := BuildRequest("app", "q", r, json.RawMessage(`{"name":"bob"}`))
	if err != nil {
		t.Fatalf("BuildRequest() failed: %v", err)
	}

	if got := req.ForceViewerStaticFields["limit"]; got != 10 {
		t.Errorf("static limit = %v, want 10", got)
	}
	if got := req.ForceViewerStaticFields["email"]; got != "$ctx:email" {
		t.Errorf("ctx email = %v, want $ctx:email", got)
	}
	if len(req.ForceViewerAllowUserResources) != 1 || req.ForceViewerAllowUserResources[0] != "db" {
		t.Errorf("allow user resources = %v, want [db]", req.ForceViewerAllowUserResources)
	}

	// Nothing outside the declared field map is ever forced
	for key := range req.ForceViewerStaticFields {
		if _, ok := r.Fields[key]; !ok {
			t.Errorf("static field %q not declared by runnable", key)
		}
	}
	if _, ok := req.ForceViewerStaticFields["other"]; ok {
		t.Error("unsupported field type should not be forwarded")
	}
	if _, ok := req.ForceViewerStaticFields["name"]; ok {
		t.Error("user field should not be inlined")
	}
}

func TestBuildRequest_Invalid(t *testing.T) {
	if _, err := BuildRequest("app", "x", nil, nil); !errors.Is(err, ErrRunnableNotFound) {
		t.Errorf("nil runnable error = %v, want ErrRunnableNotFound", err)
	}

	bad := &Runnable{ID: "x", Kind: KindPath, Path: &PathRef{Path: "f/x", RunType: "app"}}
	if _, err := BuildRequest("app", "x", bad, nil); !errors.Is(err, ErrInvalidRunnable) {
		t.Errorf("bad run type error = %v, want ErrInvalidRunnable", err)
	}
}
