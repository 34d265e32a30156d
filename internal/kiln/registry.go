package kiln

import "sync"

// Registry holds the known recipes in registration order.
type Registry struct {
	mu      sync.RWMutex
	recipes map[string]*Recipe
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{recipes: make(map[string]*Recipe)}
}

// Register validates r and adds it. Names are unique.
func (reg *Registry) Register(r *Recipe) error {
	if err := r.Validate(); err != nil {
		return err
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.recipes[r.Name]; ok {
		return &DuplicateRecipeError{Name: r.Name}
	}
	reg.recipes[r.Name] = r
	reg.order = append(reg.order, r.Name)
	return nil
}

// Lookup returns the recipe registered under name.
func (reg *Registry) Lookup(name string) (*Recipe, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.recipes[name]
	if !ok {
		return nil, &UnknownRecipeError{Name: name}
	}
	return r, nil
}

// Names returns recipe names in registration order.
func (reg *Registry) Names() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return append([]string(nil), reg.order...)
}

// Len is the number of registered recipes.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.order)
}

// positions maps each name to its registration index.
func (reg *Registry) positions() map[string]int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	pos := make(map[string]int, len(reg.order))
	for i, n := range reg.order {
		pos[n] = i
	}
	return pos
}
