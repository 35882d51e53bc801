package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stenohq/steno/internal/errkind"
)

func validManifest() Manifest {
	return Manifest{
		Name:        "my-parser",
		Version:     "1.0.0",
		Description: "Parses the acme agent JSONL dialect.",
		EntryPoint:  "plugins/acme.so",
		Extensions:  []string{"JSONL", ".log"},
	}
}

func TestManifestValidate(t *testing.T) {
	t.Run("valid manifest normalizes extensions", func(t *testing.T) {
		m := validManifest()
		require.NoError(t, m.Validate())
		assert.Equal(t, []string{".jsonl", ".log"}, m.Extensions)
	})

	t.Run("version with v prefix accepted", func(t *testing.T) {
		m := validManifest()
		m.Version = "v2.1.0"
		assert.NoError(t, m.Validate())
	})

	tests := []struct {
		name   string
		mutate func(*Manifest)
	}{
		{"uppercase name", func(m *Manifest) { m.Name = "MyParser" }},
		{"snake case name", func(m *Manifest) { m.Name = "my_parser" }},
		{"leading digit name", func(m *Manifest) { m.Name = "1parser" }},
		{"trailing hyphen", func(m *Manifest) { m.Name = "parser-" }},
		{"empty name", func(m *Manifest) { m.Name = "" }},
		{"not semver", func(m *Manifest) { m.Version = "1.0" }},
		{"garbage version", func(m *Manifest) { m.Version = "latest" }},
		{"short description", func(m *Manifest) { m.Description = "too short" }},
		{"long description", func(m *Manifest) { m.Description = strings.Repeat("x", 501) }},
		{"missing entry point", func(m *Manifest) { m.EntryPoint = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validManifest()
			tt.mutate(&m)
			err := m.Validate()
			require.Error(t, err)
			assert.True(t, errkind.Is(err, errkind.InvalidArgument))
		})
	}
}

func TestNormalizeExtension(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"jsonl", ".jsonl"},
		{".jsonl", ".jsonl"},
		{"JSONL", ".jsonl"},
		{" .Log ", ".log"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeExtension(tt.in); got != tt.want {
			t.Errorf("NormalizeExtension(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMergeManifests(t *testing.T) {
	entry := []Manifest{
		{Name: "alpha", Version: "1.0.0"},
		{Name: "beta", Version: "2.0.0"},
	}
	dir := []Manifest{
		{Name: "beta", Version: "0.9.0"}, // shadowed by entry-point beta
		{Name: "gamma", Version: "3.0.0"},
	}

	merged := MergeManifests(entry, dir)
	require.Len(t, merged, 3)
	assert.Equal(t, "alpha", merged[0].Name)
	assert.True(t, merged[0].FromEntryPoint)
	assert.Equal(t, "beta", merged[1].Name)
	assert.Equal(t, "2.0.0", merged[1].Version)
	assert.Equal(t, "gamma", merged[2].Name)
	assert.False(t, merged[2].FromEntryPoint)
}

func TestValidatePluginMetadata(t *testing.T) {
	assert.NoError(t, validatePluginMetadata(Metadata{Name: "my-parser", Version: "1.0.0"}))
	assert.NoError(t, validatePluginMetadata(Metadata{Name: "bare"}))
	assert.Error(t, validatePluginMetadata(Metadata{Name: "Bad Name", Version: "1.0.0"}))
	assert.Error(t, validatePluginMetadata(Metadata{Name: "ok-name", Version: "not-semver"}))
}
