package kiln

import (
	"slices"
)

// Step is one recipe built for one architecture.
type Step struct {
	Recipe *Recipe
	Arch   *Arch

	// Deps are the direct dependencies, all of them earlier in the plan.
	Deps []string
}

func (s Step) ID() string { return s.Arch.Name + "/" + s.Recipe.Name }

// Resolver turns requested recipe names into an ordered build plan.
type Resolver struct {
	reg *Registry
}

func NewResolver(reg *Registry) *Resolver {
	return &Resolver{reg: reg}
}

// Resolve returns the transitive closure of names ordered so that every
// recipe follows its dependencies. Among recipes that are ready at the same
// time the one registered first goes first, so the order is stable.
func (res *Resolver) Resolve(names []string, arch *Arch) ([]Step, error) {
	closure := make(map[string]*Recipe)
	state := make(map[string]int) // 0 unvisited, 1 on stack, 2 done
	var stack []string

	var visit func(name, requiredBy string) error
	visit = func(name, requiredBy string) error {
		switch state[name] {
		case 2:
			return nil
		case 1:
			start := slices.Index(stack, name)
			cycle := append(append([]string(nil), stack[start:]...), name)
			return &CyclicDependencyError{Cycle: cycle}
		}
		r, err := res.reg.Lookup(name)
		if err != nil {
			return &UnknownRecipeError{Name: name, RequiredBy: requiredBy}
		}
		state[name] = 1
		stack = append(stack, name)
		for _, dep := range r.Depends {
			if err := visit(dep, name); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = 2
		closure[name] = r
		return nil
	}

	for _, n := range names {
		if err := visit(n, ""); err != nil {
			return nil, err
		}
	}

	pos := res.reg.positions()
	emitted := make(map[string]bool, len(closure))
	pending := make([]string, 0, len(closure))
	for n := range closure {
		pending = append(pending, n)
	}
	slices.SortFunc(pending, func(a, b string) int { return pos[a] - pos[b] })

	plan := make([]Step, 0, len(closure))
	for len(pending) > 0 {
		// pending is in registration order, take the first ready one
		idx := -1
		for i, n := range pending {
			ready := true
			for _, d := range closure[n].Depends {
				if !emitted[d] {
					ready = false
					break
				}
			}
			if ready {
				idx = i
				break
			}
		}
		// the DFS above already rejected cycles
		n := pending[idx]
		pending = slices.Delete(pending, idx, idx+1)
		emitted[n] = true
		r := closure[n]
		plan = append(plan, Step{Recipe: r, Arch: arch, Deps: uniqueStrings(r.Depends)})
	}
	return plan, nil
}

func uniqueStrings(in []string) []string {
	var out []string
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
