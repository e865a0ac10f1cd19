// Package backend loads the immutable backend registry from configuration.
package backend

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/nulpointcorp/vllm-gateway/internal/model"
)

// rawEntry mirrors one value in the VLLM_SERVERS JSON object.
type rawEntry struct {
	Token               string `json:"token"`
	Organization        string `json:"organization"`
	MaxParallelRequests *int   `json:"max_parallel_requests"`
}

// LoadRegistry parses the VLLM_SERVERS configuration blob — a JSON object
// mapping backend URL to its metadata — into a backend list ordered by
// first appearance in the source document. Entries omitting
// max_parallel_requests fall back to defaultMaxParallel. Fails fast on
// malformed JSON, an empty object, or a missing organization.
func LoadRegistry(raw []byte, defaultMaxParallel int) ([]model.Backend, error) {
	order, err := objectKeyOrder(raw)
	if err != nil {
		return nil, fmt.Errorf("backend: malformed VLLM_SERVERS: %w", err)
	}

	var entries map[string]rawEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("backend: malformed VLLM_SERVERS: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("backend: VLLM_SERVERS must not be empty")
	}

	backends := make([]model.Backend, 0, len(entries))
	for _, url := range order {
		e := entries[url]
		if url == "" {
			return nil, fmt.Errorf("backend: empty backend URL in VLLM_SERVERS")
		}
		if e.Organization == "" {
			return nil, fmt.Errorf("backend: entry %q missing organization", url)
		}
		maxParallel := defaultMaxParallel
		if e.MaxParallelRequests != nil {
			if *e.MaxParallelRequests <= 0 {
				return nil, fmt.Errorf("backend: entry %q has non-positive max_parallel_requests", url)
			}
			maxParallel = *e.MaxParallelRequests
		}
		backends = append(backends, model.Backend{
			URL:                 url,
			Token:               e.Token,
			Organization:        e.Organization,
			MaxParallelRequests: maxParallel,
		})
	}

	return backends, nil
}

// objectKeyOrder returns the top-level keys of a JSON object in the order
// they appear in raw, using a streaming decoder since encoding/json's map
// decoding does not preserve source order.
func objectKeyOrder(raw []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected a JSON object")
	}

	var keys []string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("expected string key")
		}
		keys = append(keys, key)

		var discard json.RawMessage
		if err := dec.Decode(&discard); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// Organizations returns the distinct organization names present in the
// registry, in first-seen order. Used by the dispatcher to declare one
// private queue per organization at startup.
func Organizations(backends []model.Backend) []string {
	seen := make(map[string]bool, len(backends))
	orgs := make([]string, 0, len(backends))
	for _, b := range backends {
		if seen[b.Organization] {
			continue
		}
		seen[b.Organization] = true
		orgs = append(orgs, b.Organization)
	}
	return orgs
}

// FilterByOrganization returns the subset of backends belonging to org,
// preserving registry order.
func FilterByOrganization(backends []model.Backend, org string) []model.Backend {
	out := make([]model.Backend, 0, len(backends))
	for _, b := range backends {
		if b.Organization == org {
			out = append(out, b)
		}
	}
	return out
}

// FindByURL returns the backend with the given URL, if present.
func FindByURL(backends []model.Backend, url string) (model.Backend, bool) {
	for _, b := range backends {
		if b.URL == url {
			return b, true
		}
	}
	return model.Backend{}, false
}
