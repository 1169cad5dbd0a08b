package runner

import (
	"fmt"
	"sort"
)

// SpecResolver resolves phase keys to specs, enabling cross-registry lookup.
type SpecResolver interface {
	Get(key string) (PhaseSpec, bool)
	List() []PhaseSpec
}

// MapResolver is a simple SpecResolver backed by a map keyed by normalized phase keys.
type MapResolver struct {
	specs map[string]PhaseSpec
}

// Get returns the PhaseSpec for the provided key, if present.
func (r MapResolver) Get(key string) (PhaseSpec, bool) {
	if len(r.specs) == 0 {
		return PhaseSpec{}, false
	}
	spec, ok := r.specs[normalizeKey(key)]
	return spec, ok
}

// List returns all registered phase specs.
func (r MapResolver) List() []PhaseSpec {
	specs := make([]PhaseSpec, 0, len(r.specs))
	for _, s := range r.specs {
		specs = append(specs, s)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Key < specs[j].Key })
	return specs
}

// MergeRegistries flattens multiple phase registries into a single resolver.
// It also computes downstream dependencies automatically from Requires and Uses.
func MergeRegistries(regs ...map[string]PhaseSpec) SpecResolver {
	merged := make(map[string]PhaseSpec, 8)
	downstream := make(map[string][]string)

	for _, reg := range regs {
		for k, v := range reg {
			nk := normalizeKey(k)
			merged[nk] = v
			for _, req := range append(append([]string(nil), v.Requires...), v.Uses...) {
				nr := normalizeKey(req)
				downstream[nr] = append(downstream[nr], nk)
			}
		}
	}

	for k, v := range merged {
		if ds, ok := downstream[k]; ok {
			sort.Strings(ds)
			v.Downstream = ds
			merged[k] = v
		}
	}

	return MapResolver{specs: merged}
}

// Plan resolves an ordered phase list into specs. Every Requires entry must
// be produced by an earlier phase, either as its key or in its Provides.
func Plan(resolver SpecResolver, phases []string) ([]PhaseSpec, error) {
	if resolver == nil {
		return nil, fmt.Errorf("runner: resolver is not configured")
	}
	if len(phases) == 0 {
		return nil, fmt.Errorf("runner: empty phase plan")
	}
	produced := map[string]bool{}
	out := make([]PhaseSpec, 0, len(phases))
	for i, key := range phases {
		spec, ok := resolver.Get(key)
		if !ok {
			return nil, fmt.Errorf("runner: unknown phase %q at position %d", key, i)
		}
		nk := normalizeKey(spec.Key)
		if produced[nk] {
			return nil, fmt.Errorf("runner: phase %q listed twice", spec.Key)
		}
		for _, r := range spec.Requires {
			if !produced[normalizeKey(r)] {
				return nil, fmt.Errorf("runner: phase %q requires %q, which no earlier phase produces", spec.Key, r)
			}
		}
		produced[nk] = true
		for _, p := range spec.Provides {
			produced[normalizeKey(p)] = true
		}
		out = append(out, spec)
	}
	return out, nil
}

// Index returns the position of key in plan, or -1.
func Index(plan []PhaseSpec, key string) int {
	nk := normalizeKey(key)
	for i, s := range plan {
		if normalizeKey(s.Key) == nk {
			return i
		}
	}
	return -1
}
