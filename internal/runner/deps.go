package runner

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"copyflow/internal/artifact"
)

// DepsUsageMode controls how strictly to enforce declared dependency usage.
type DepsUsageMode int

const (
	DepsUsageError  DepsUsageMode = iota // default: treat unused Requires as errors
	DepsUsageWarn                        // log warnings for unused Requires
	DepsUsageIgnore                      // skip unused Requires checks
)

// ParseDepsUsage maps "fail", "warn" and "ignore" to a mode. Anything else
// is DepsUsageError.
func ParseDepsUsage(s string) DepsUsageMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "warn":
		return DepsUsageWarn
	case "ignore":
		return DepsUsageIgnore
	}
	return DepsUsageError
}

// Deps controls access to dependencies during BuildInput.
// It enforces that requested artifacts are declared in Requires or Uses
// and tracks usage to detect unused declarations.
type Deps interface {
	// Artifact loads the latest version of a required phase output.
	Artifact(ctx context.Context, key string) (artifact.PhaseArtifact, error)

	// Optional loads a phase output declared in Uses; ok is false when the
	// phase did not run.
	Optional(ctx context.Context, key string) (a artifact.PhaseArtifact, ok bool, err error)

	// Env exposes the raw environment for advanced usage (use sparingly).
	Env() *Env
}

// Load decodes a required artifact as T.
func Load[T artifact.Payload](ctx context.Context, deps Deps, key string) (T, error) {
	var zero T
	a, err := deps.Artifact(ctx, key)
	if err != nil {
		return zero, err
	}
	return artifact.Decode[T](a)
}

// LoadOptional decodes an optional artifact as *T, nil when absent.
func LoadOptional[T artifact.Payload](ctx context.Context, deps Deps, key string) (*T, error) {
	a, ok, err := deps.Optional(ctx, key)
	if err != nil || !ok {
		return nil, err
	}
	v, err := artifact.Decode[T](a)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// depsImpl implements Deps and tracks accesses.
type depsImpl struct {
	env      *Env
	requires map[string]bool
	uses     map[string]bool
	accessed map[string]bool
	phase    string
}

func newDeps(env *Env, phase string, requires, uses []string) *depsImpl {
	d := &depsImpl{
		env:      env,
		requires: make(map[string]bool, len(requires)),
		uses:     make(map[string]bool, len(uses)),
		accessed: make(map[string]bool),
		phase:    phase,
	}
	for _, r := range requires {
		d.requires[normalizeKey(r)] = true
	}
	for _, u := range uses {
		d.uses[normalizeKey(u)] = true
	}
	return d
}

func (d *depsImpl) Artifact(ctx context.Context, key string) (artifact.PhaseArtifact, error) {
	norm := normalizeKey(key)
	if !d.requires[norm] {
		return artifact.PhaseArtifact{}, fmt.Errorf("phase %q requested artifact %q but it is not declared in Requires", d.phase, key)
	}
	d.accessed[norm] = true
	a, ok, err := d.latest(ctx, norm)
	if err != nil {
		return artifact.PhaseArtifact{}, err
	}
	if !ok {
		return artifact.PhaseArtifact{}, fmt.Errorf("phase %q: required artifact %q has not been produced", d.phase, key)
	}
	return a, nil
}

func (d *depsImpl) Optional(ctx context.Context, key string) (artifact.PhaseArtifact, bool, error) {
	norm := normalizeKey(key)
	if !d.uses[norm] && !d.requires[norm] {
		return artifact.PhaseArtifact{}, false, fmt.Errorf("phase %q requested artifact %q but it is not declared in Uses", d.phase, key)
	}
	d.accessed[norm] = true
	return d.latest(ctx, norm)
}

func (d *depsImpl) latest(ctx context.Context, key string) (artifact.PhaseArtifact, bool, error) {
	if d.env == nil || d.env.Artifacts == nil {
		return artifact.PhaseArtifact{}, false, fmt.Errorf("runner: artifact source is not configured")
	}
	a, ok, err := d.env.Artifacts.Latest(ctx, d.env.RunID, key)
	if err != nil {
		return artifact.PhaseArtifact{}, false, fmt.Errorf("read artifact %s: %w", key, err)
	}
	return a, ok, nil
}

func (d *depsImpl) Env() *Env {
	return d.env
}

// verifyUsage checks for over-fetching (declared but unused). Uses are
// optional and never reported.
func (d *depsImpl) verifyUsage() []string {
	var unused []string
	for req := range d.requires {
		if !d.accessed[req] {
			unused = append(unused, req)
		}
	}
	sort.Strings(unused)
	return unused
}
