package runnable

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// BackendFolder is the default folder holding runnable definitions.
const BackendFolder = "backend"

// extLanguages maps code file extensions to platform languages.
// Compound extensions are checked before simple ones.
var extLanguages = []struct {
	ext  string
	lang string
}{
	{".bun.ts", "bun"},
	{".deno.ts", "deno"},
	{".fetch.ts", "nativets"},
	{".pg.sql", "postgresql"},
	{".my.sql", "mysql"},
	{".bq.sql", "bigquery"},
	{".ts", "bun"},
	{".js", "nativets"},
	{".py", "python3"},
	{".go", "go"},
	{".sh", "bash"},
	{".ps1", "powershell"},
	{".sql", "postgresql"},
	{".gql", "graphql"},
	{".php", "php"},
	{".rs", "rust"},
	{".cs", "csharp"},
	{".nu", "nu"},
	{".java", "java"},
}

// LanguageForFile infers the platform language from a code file name.
// It returns "" for unknown extensions.
func LanguageForFile(name string) string {
	lower := strings.ToLower(name)
	for _, e := range extLanguages {
		if strings.HasSuffix(lower, e.ext) {
			return e.lang
		}
	}
	return ""
}

// IsDefinitionFile reports whether name is a runnable definition.
func IsDefinitionFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// IsCodeFile reports whether name holds runnable code.
func IsCodeFile(name string) bool {
	if IsDefinitionFile(name) || strings.HasSuffix(name, ".lock") {
		return false
	}
	return LanguageForFile(name) != ""
}

// IDFromFile returns the runnable id a backend file belongs to:
// the file name up to its first dot.
func IDFromFile(name string) string {
	base := filepath.Base(name)
	if i := strings.Index(base, "."); i > 0 {
		return base[:i]
	}
	return base
}

// Loader reads runnable definitions of one app from disk.
// Definitions are re-read on every Load so edits are picked up without a restart.
type Loader struct {
	appDir     string
	backendDir string
	logger     zerolog.Logger
}

// NewLoader creates a loader for the app rooted at appDir.
// backendDir may be relative to appDir; empty means BackendFolder.
func NewLoader(appDir, backendDir string, logger zerolog.Logger) *Loader {
	if backendDir == "" {
		backendDir = BackendFolder
	}
	if !filepath.IsAbs(backendDir) {
		backendDir = filepath.Join(appDir, backendDir)
	}
	return &Loader{appDir: appDir, backendDir: backendDir, logger: logger}
}

// BackendDir returns the absolute runnables folder.
func (l *Loader) BackendDir() string {
	return l.backendDir
}

// Load returns every runnable keyed by id.
//
// Definitions come from the backend folder; when it holds none, the
// "runnables" map of raw_app.yaml is used instead. Invalid definitions are
// skipped with a warning.
func (l *Loader) Load() (map[string]*Runnable, error) {
	runnables, err := l.loadBackendDir()
	if err != nil {
		return nil, err
	}
	if len(runnables) > 0 {
		return runnables, nil
	}

	manifest, err := ReadManifest(filepath.Join(l.appDir, ManifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Runnable{}, nil
		}
		return nil, err
	}

	out := make(map[string]*Runnable, len(manifest.Runnables))
	for id, doc := range manifest.Runnables {
		r, err := Decode(id, doc)
		if err != nil {
			l.logger.Warn().Err(err).Str("runnable", id).Msg("Skipping invalid runnable in manifest")
			continue
		}
		l.resolveInline(r)
		out[id] = r
	}
	return out, nil
}

// Get loads a single runnable.
func (l *Loader) Get(id string) (*Runnable, error) {
	all, err := l.Load()
	if err != nil {
		return nil, err
	}
	r, ok := all[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunnableNotFound, id)
	}
	return r, nil
}

func (l *Loader) loadBackendDir() (map[string]*Runnable, error) {
	entries, err := os.ReadDir(l.backendDir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Runnable{}, nil
		}
		return nil, fmt.Errorf("failed to read runnables directory: %w", err)
	}

	// Code files by runnable id, for inline runnables without explicit content
	codeFiles := map[string][]string{}
	for _, entry := range entries {
		if entry.IsDir() || !IsCodeFile(entry.Name()) {
			continue
		}
		id := IDFromFile(entry.Name())
		codeFiles[id] = append(codeFiles[id], entry.Name())
	}

	out := map[string]*Runnable{}
	for _, entry := range entries {
		if entry.IsDir() || !IsDefinitionFile(entry.Name()) {
			continue
		}

		id := IDFromFile(entry.Name())
		path := filepath.Join(l.backendDir, entry.Name())
		r, err := ReadDefinition(id, path)
		if err != nil {
			l.logger.Warn().Err(err).Str("file", entry.Name()).Msg("Skipping invalid runnable definition")
			continue
		}

		if r.Kind == KindInline && r.Inline.Content == "" && r.Inline.PrecompiledID == nil {
			if files := codeFiles[id]; len(files) > 0 {
				sort.Strings(files)
				r.Inline.Content = InlineMarker + files[0]
				if r.Inline.Language == "" {
					r.Inline.Language = LanguageForFile(files[0])
				}
			}
		}
		if r.Kind == KindInline && r.Inline.Lock == "" {
			lockPath := filepath.Join(l.backendDir, id+".lock")
			if _, err := os.Stat(lockPath); err == nil {
				r.Inline.Lock = InlineMarker + id + ".lock"
			}
		}

		l.resolveInline(r)
		out[id] = r
	}

	return out, nil
}

// resolveInline replaces "!inline <file>" markers with file content.
// A content marker whose file is missing is left in place, so executing
// the runnable fails with ErrUnresolvedInline instead of sending the marker
// as code. A missing lock is dropped.
func (l *Loader) resolveInline(r *Runnable) {
	if r.Kind != KindInline {
		return
	}
	s := r.Inline

	if strings.HasPrefix(s.Content, InlineMarker) {
		rel := strings.TrimSpace(strings.TrimPrefix(s.Content, InlineMarker))
		data, err := os.ReadFile(l.inlinePath(rel))
		if err != nil {
			l.logger.Warn().Err(err).Str("runnable", r.ID).Msg("Inline content not found")
		} else {
			s.Content = string(data)
			if s.Language == "" {
				s.Language = LanguageForFile(rel)
			}
		}
	}

	if strings.HasPrefix(s.Lock, InlineMarker) {
		rel := strings.TrimSpace(strings.TrimPrefix(s.Lock, InlineMarker))
		data, err := os.ReadFile(l.inlinePath(rel))
		if err != nil {
			s.Lock = ""
		} else {
			s.Lock = string(data)
		}
	}
}

func (l *Loader) inlinePath(rel string) string {
	rel = filepath.FromSlash(rel)
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(l.backendDir, rel)
}

// ReadDefinition reads and decodes one YAML definition file.
func ReadDefinition(id, path string) (*Runnable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read runnable file %s: %w", path, err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse runnable file %s: %w", path, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s is empty", ErrInvalidRunnable, path)
	}

	return Decode(id, doc)
}
