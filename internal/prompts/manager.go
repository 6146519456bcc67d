// Package prompts serves versioned prompt templates.
//
// Templates are laid out as <version>/<name>.txt. The built-in set is
// embedded in the binary; a directory on disk can replace it. A Manager reads
// every template once at construction and never touches the source again, so
// picking up edited files means building a new Manager.
package prompts

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"slices"
	"strings"
	"text/template"

	"github.com/kalambet/docuquery/internal/apperr"
)

const DefaultVersion = "v1"

//go:embed templates
var builtin embed.FS

type entry struct {
	raw  string
	tmpl *template.Template
}

// Manager is an immutable cache of parsed templates.
type Manager struct {
	version  string
	entries  map[string]entry // key: version/name
	versions []string
}

// New returns a Manager over the embedded templates.
func New(version string) (*Manager, error) {
	sub, err := fs.Sub(builtin, "templates")
	if err != nil {
		return nil, fmt.Errorf("opening embedded templates: %w", err)
	}
	return LoadFS(sub, version)
}

// Load reads templates from dir. An empty dir selects the embedded set.
func Load(dir, version string) (*Manager, error) {
	if dir == "" {
		return New(version)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrConfiguration, err, "prompts directory %s", dir)
	}
	if !info.IsDir() {
		return nil, apperr.New(apperr.ErrConfiguration, "prompts path %s is not a directory", dir)
	}
	return LoadFS(os.DirFS(dir), version)
}

// LoadFS reads every <version>/<name>.txt file in fsys and parses it.
func LoadFS(fsys fs.FS, version string) (*Manager, error) {
	if version == "" {
		version = DefaultVersion
	}
	m := &Manager{version: version, entries: make(map[string]entry)}

	dirs, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrConfiguration, err, "reading prompts")
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		m.versions = append(m.versions, d.Name())
		if err := m.loadVersion(fsys, d.Name()); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) loadVersion(fsys fs.FS, version string) error {
	files, err := fs.Glob(fsys, path.Join(version, "*.txt"))
	if err != nil {
		return apperr.Wrap(apperr.ErrConfiguration, err, "listing prompts for %s", version)
	}
	for _, f := range files {
		data, err := fs.ReadFile(fsys, f)
		if err != nil {
			return apperr.Wrap(apperr.ErrConfiguration, err, "reading prompt %s", f)
		}
		name := strings.TrimSuffix(path.Base(f), ".txt")
		tmpl, err := template.New(name).Option("missingkey=error").Parse(string(data))
		if err != nil {
			return apperr.Wrap(apperr.ErrConfiguration, err, "parsing prompt %s", f)
		}
		m.entries[version+"/"+name] = entry{raw: string(data), tmpl: tmpl}
	}
	return nil
}

// Version is the version used by Get and Render.
func (m *Manager) Version() string { return m.version }

// Get returns the raw template text for name in the default version.
func (m *Manager) Get(name string) (string, error) {
	return m.GetVersion(name, m.version)
}

func (m *Manager) GetVersion(name, version string) (string, error) {
	e, err := m.lookup(name, version)
	if err != nil {
		return "", err
	}
	return e.raw, nil
}

// Render executes the named template with data. Referencing a key that data
// does not provide is an error.
func (m *Manager) Render(name string, data map[string]any) (string, error) {
	e, err := m.lookup(name, m.version)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if err := e.tmpl.Execute(&sb, data); err != nil {
		return "", apperr.Wrap(apperr.ErrConfiguration, err, "rendering prompt %s/%s", m.version, name)
	}
	return sb.String(), nil
}

func (m *Manager) lookup(name, version string) (entry, error) {
	if version == "" {
		version = m.version
	}
	e, ok := m.entries[version+"/"+name]
	if !ok {
		return entry{}, apperr.New(apperr.ErrConfiguration, "Prompt not found: %s/%s.txt", version, name)
	}
	return e, nil
}

// List returns the template names of a version, sorted. An empty version
// means the default one.
func (m *Manager) List(version string) []string {
	if version == "" {
		version = m.version
	}
	prefix := version + "/"
	var names []string
	for key := range m.entries {
		if name, ok := strings.CutPrefix(key, prefix); ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Versions returns every version directory found at load time, sorted.
func (m *Manager) Versions() []string {
	out := slices.Clone(m.versions)
	slices.Sort(out)
	return out
}

