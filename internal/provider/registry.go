package provider

// Registry holds every compiled-in adapter, keyed by provider_tag.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry discovers and wires every supported adapter at process
// start (spec §4.B "discovered at process start").
func NewRegistry(defaultBedrockRegion string) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range []Adapter{
		NewOpenAI(),
		NewAnthropic(),
		NewAzure(),
		NewBedrock(defaultBedrockRegion),
		NewVertex(),
		NewDeepseek(),
	} {
		r.adapters[a.Tag()] = a
	}
	return r
}

// NewRegistryWithAdapters builds a Registry from an explicit adapter
// list, bypassing the compiled-in six. Useful for tests that need to
// point a provider at a local stand-in instead of its real host.
func NewRegistryWithAdapters(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.adapters[a.Tag()] = a
	}
	return r
}

// Get returns the adapter for tag, or (nil, false) if unsupported.
func (r *Registry) Get(tag string) (Adapter, bool) {
	a, ok := r.adapters[tag]
	return a, ok
}

// Tags lists every supported provider tag, for the /providers endpoint
// (spec §6).
func (r *Registry) Tags() []string {
	tags := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		tags = append(tags, t)
	}
	return tags
}
