package connectors

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

type Descriptor struct {
	Key  string `json:"key"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

type HealthStatus struct {
	Key     string `json:"key"`
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{connectors: map[string]Connector{}}
}

func (r *Registry) Register(connector Connector) error {
	if connector == nil {
		return fmt.Errorf("connector is nil")
	}

	key := strings.ToLower(strings.TrimSpace(connector.Key()))
	if key == "" {
		return fmt.Errorf("connector key is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connectors[key]; exists {
		return fmt.Errorf("connector %q already registered", key)
	}

	r.connectors[key] = connector
	return nil
}

// Get looks a connector up by key. Site hosts and URLs resolve to the
// connector whose key matches the host's first label, so "www.asuracomic.net"
// and "https://asuracomic.net/series/x" both find "asuracomic". Failing that,
// connectors implementing HostMatcher are asked about the host, so a
// "mangasee" adapter serving mangasee123.com is still found.
func (r *Registry) Get(key string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates, host := lookupCandidates(key)
	for _, candidate := range candidates {
		if connector, ok := r.connectors[candidate]; ok {
			return connector, true
		}
	}

	if host == "" {
		return nil, false
	}

	keys := make([]string, 0, len(r.connectors))
	for registered := range r.connectors {
		keys = append(keys, registered)
	}
	sort.Strings(keys)
	for _, registered := range keys {
		matcher, ok := r.connectors[registered].(HostMatcher)
		if ok && matcher.MatchesHost(host) {
			return r.connectors[registered], true
		}
	}
	return nil, false
}

// lookupCandidates returns the keys to try for raw and, when raw looks like
// a host or url, the bare host.
func lookupCandidates(raw string) ([]string, string) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return nil, ""
	}

	candidates := []string{normalized}

	host := normalized
	if strings.Contains(normalized, "://") {
		parsed, err := url.Parse(normalized)
		if err != nil || parsed.Hostname() == "" {
			return candidates, ""
		}
		host = parsed.Hostname()
	} else if slash := strings.IndexByte(host, '/'); slash >= 0 {
		host = host[:slash]
	}

	for _, prefix := range []string{"www.", "m."} {
		host = strings.TrimPrefix(host, prefix)
	}
	if host != normalized {
		candidates = append(candidates, host)
	}
	dot := strings.IndexByte(host, '.')
	if dot <= 0 {
		return candidates, ""
	}
	candidates = append(candidates, host[:dot])

	return candidates, host
}

func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]Descriptor, 0, len(r.connectors))
	for _, connector := range r.connectors {
		items = append(items, Descriptor{
			Key:  connector.Key(),
			Name: connector.Name(),
			Kind: connector.Kind(),
		})
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].Key < items[j].Key
	})

	return items
}

func (r *Registry) Health(ctx context.Context) []HealthStatus {
	r.mu.RLock()
	list := make([]Connector, 0, len(r.connectors))
	for _, connector := range r.connectors {
		list = append(list, connector)
	}
	r.mu.RUnlock()

	statuses := make([]HealthStatus, 0, len(list))
	for _, connector := range list {
		err := connector.HealthCheck(ctx)
		status := HealthStatus{
			Key:     connector.Key(),
			Name:    connector.Name(),
			Kind:    connector.Kind(),
			Healthy: err == nil,
		}
		if err != nil {
			status.Error = err.Error()
		}
		statuses = append(statuses, status)
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Key < statuses[j].Key
	})

	return statuses
}
