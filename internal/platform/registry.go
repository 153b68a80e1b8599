package platform

import "sort"

// Registry is the closed set of adapters the dispatcher can route to.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Platform()] = a
	}
	return r
}

func (r *Registry) Get(platform string) (Adapter, bool) {
	a, ok := r.adapters[platform]
	return a, ok
}

func (r *Registry) Supports(platform string) bool {
	_, ok := r.adapters[platform]
	return ok
}

func (r *Registry) StatusChecker(platform string) (StatusChecker, bool) {
	a, ok := r.adapters[platform]
	if !ok {
		return nil, false
	}
	sc, ok := a.(StatusChecker)
	return sc, ok
}

func (r *Registry) Refresher(platform string) (Refresher, bool) {
	a, ok := r.adapters[platform]
	if !ok {
		return nil, false
	}
	rf, ok := a.(Refresher)
	return rf, ok
}

func (r *Registry) Platforms() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
