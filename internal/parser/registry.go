package parser

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"plugin"
	"sort"
	"strings"

	"github.com/stenohq/steno/internal/errkind"
)

// formatMismatchPenalty demotes parsers whose declared extensions do not
// match the candidate file, without excluding them: a high-priority parser
// can still win a probe on an unknown extension.
const formatMismatchPenalty = 100

// Registry holds the registered parsers and dispatches files to them.
// Registration order is stable and breaks score ties.
type Registry struct {
	parsers []Parser
	logger  *slog.Logger
}

// NewRegistry returns a registry with the built-in parsers registered.
func NewRegistry(logger *slog.Logger) *Registry {
	r := &Registry{logger: logger}
	r.Register(NewClaudeParser())
	r.Register(NewCodexParser())
	return r
}

// Register appends a parser. Later registrations with the same name shadow
// earlier ones on lookup by name but keep their own dispatch slot.
func (r *Registry) Register(p Parser) {
	r.parsers = append(r.parsers, p)
}

// Parsers returns the registered parsers in registration order.
func (r *Registry) Parsers() []Parser {
	return r.parsers
}

// Find returns the parser with the given metadata name.
func (r *Registry) Find(name string) (Parser, bool) {
	for i := len(r.parsers) - 1; i >= 0; i-- {
		if r.parsers[i].Metadata().Name == name {
			return r.parsers[i], true
		}
	}
	return nil, false
}

// ParserFor probes the registered parsers in score order and returns the
// first that can parse the file. Score is priority minus a fixed penalty
// when the file extension is not among the parser's declared formats.
// When nothing matches, the error kind is UnknownFormat.
func (r *Registry) ParserFor(path string) (Parser, ProbeResult, error) {
	ext := strings.ToLower(filepath.Ext(path))

	type scored struct {
		p     Parser
		score int
	}
	candidates := make([]scored, 0, len(r.parsers))
	for _, p := range r.parsers {
		md := p.Metadata()
		score := md.Priority
		if score == 0 {
			score = DefaultPriority
		}
		if !supportsExt(md, ext) {
			score -= formatMismatchPenalty
		}
		candidates = append(candidates, scored{p: p, score: score})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	for _, c := range candidates {
		probe, err := c.p.Probe(path)
		if err != nil {
			if r.logger != nil {
				r.logger.Warn("probe failed",
					"parser", c.p.Metadata().Name,
					"path", path,
					"error", err.Error())
			}
			continue
		}
		if probe.CanParse {
			return c.p, probe, nil
		}
	}
	return nil, ProbeResult{}, errkind.Newf(errkind.UnknownFormat,
		"no parser recognizes %s", filepath.Base(path))
}

func supportsExt(md Metadata, ext string) bool {
	for _, f := range md.SupportedFormats {
		if strings.EqualFold(f, ext) {
			return true
		}
	}
	return false
}

// LoadPlugins opens each external parser module and registers the parser it
// exports. A module exports `NewParser` with signature func() parser.Parser
// (matched structurally via any). Load failures log a warning and do not
// abort startup.
func (r *Registry) LoadPlugins(paths []string) {
	for _, path := range paths {
		if err := r.loadPlugin(path); err != nil {
			if r.logger != nil {
				r.logger.Warn("skipping parser plugin",
					"path", path,
					"error", err.Error())
			}
		}
	}
}

func (r *Registry) loadPlugin(path string) error {
	mod, err := plugin.Open(path)
	if err != nil {
		return fmt.Errorf("opening plugin: %w", err)
	}
	sym, err := mod.Lookup("NewParser")
	if err != nil {
		return fmt.Errorf("looking up NewParser: %w", err)
	}
	ctor, ok := sym.(func() Parser)
	if !ok {
		return fmt.Errorf("NewParser has type %T, want func() Parser", sym)
	}
	p := ctor()
	if p == nil {
		return fmt.Errorf("NewParser returned nil")
	}
	md := p.Metadata()
	if err := validatePluginMetadata(md); err != nil {
		return err
	}
	r.Register(p)
	if r.logger != nil {
		r.logger.Info("registered parser plugin",
			"name", md.Name, "version", md.Version)
	}
	return nil
}
