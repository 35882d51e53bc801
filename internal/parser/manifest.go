package parser

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/stenohq/steno/internal/errkind"
)

var kebabNameRe = regexp.MustCompile(`^[a-z][a-z0-9]*(-[a-z0-9]+)*$`)

const (
	manifestDescMin = 10
	manifestDescMax = 500
)

// Manifest describes an external parser plugin. EntryPoint is the path to
// the module that exports the parser constructor.
type Manifest struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description"`
	EntryPoint   string   `json:"entry_point"`
	Extensions   []string `json:"extensions"`
	Dependencies []string `json:"dependencies,omitempty"`
	Homepage     string   `json:"homepage,omitempty"`
	License      string   `json:"license,omitempty"`

	// FromEntryPoint marks manifests discovered through an entry-point
	// listing; they take precedence over directory-based manifests with
	// the same name.
	FromEntryPoint bool `json:"-"`
}

// Validate checks the manifest and normalizes its extensions in place.
func (m *Manifest) Validate() error {
	if !kebabNameRe.MatchString(m.Name) {
		return errkind.Newf(errkind.InvalidArgument,
			"plugin name %q is not lowercase kebab-case", m.Name)
	}
	if !semver.IsValid(canonicalVersion(m.Version)) {
		return errkind.Newf(errkind.InvalidArgument,
			"plugin %s version %q is not a semantic version", m.Name, m.Version)
	}
	if n := len(strings.TrimSpace(m.Description)); n < manifestDescMin || n > manifestDescMax {
		return errkind.Newf(errkind.InvalidArgument,
			"plugin %s description must be %d-%d characters, got %d",
			m.Name, manifestDescMin, manifestDescMax, n)
	}
	if m.EntryPoint == "" {
		return errkind.Newf(errkind.InvalidArgument,
			"plugin %s has no entry point", m.Name)
	}
	for i, ext := range m.Extensions {
		m.Extensions[i] = NormalizeExtension(ext)
	}
	return nil
}

// NormalizeExtension lowercases and dot-prefixes an extension.
func NormalizeExtension(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ext
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// MergeManifests combines entry-point and directory manifests. When both
// declare the same name, the entry-point one wins. Order is preserved:
// entry-point manifests first, then non-shadowed directory manifests.
func MergeManifests(entryPoint, directory []Manifest) []Manifest {
	seen := make(map[string]bool, len(entryPoint))
	merged := make([]Manifest, 0, len(entryPoint)+len(directory))
	for _, m := range entryPoint {
		m.FromEntryPoint = true
		seen[m.Name] = true
		merged = append(merged, m)
	}
	for _, m := range directory {
		if seen[m.Name] {
			continue
		}
		merged = append(merged, m)
	}
	return merged
}

// validatePluginMetadata applies the manifest naming and versioning rules
// to a loaded parser's metadata before registration.
func validatePluginMetadata(md Metadata) error {
	if !kebabNameRe.MatchString(md.Name) {
		return fmt.Errorf("parser name %q is not lowercase kebab-case", md.Name)
	}
	if md.Version != "" && !semver.IsValid(canonicalVersion(md.Version)) {
		return fmt.Errorf("parser %s version %q is not a semantic version", md.Name, md.Version)
	}
	return nil
}

// canonicalVersion makes "1.2.3" acceptable to x/mod/semver, which requires
// a leading v.
func canonicalVersion(v string) string {
	if v == "" || strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}
