package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/validation-cli/internal/resilience"
)

// FixtureEntry is one canned response.
type FixtureEntry struct {
	Output any     `yaml:"output"`
	Cost   float64 `yaml:"cost"`
	// Error simulates a failure: "transient" or "permanent".
	Error string `yaml:"error"`
}

// FixtureProvider replays canned responses from a YAML file for dry runs and
// tests. Keys are capability names, or "experiment:<channel>" for a single
// channel. Each key's entries are consumed in order and the last one repeats.
//
//	ideation:
//	  - output: {segment_ref: smb-ops, value_prop_ref: async-standups}
//	experiment:search:
//	  - output: {channel: search, metrics: {impressions: 1000, clicks: 50, signups: 10}}
//	    cost: 100
type FixtureProvider struct {
	mu      sync.Mutex
	entries map[string][]FixtureEntry
	calls   map[string]int
}

// NewFixtureProvider parses fixtures from YAML.
func NewFixtureProvider(data []byte) (*FixtureProvider, error) {
	entries := make(map[string][]FixtureEntry)
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, eris.Wrap(err, "capability: parse fixtures")
	}
	return &FixtureProvider{entries: entries, calls: make(map[string]int)}, nil
}

// LoadFixtures reads a fixture file.
func LoadFixtures(path string) (*FixtureProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "capability: read fixtures %s", path)
	}
	return NewFixtureProvider(data)
}

func (f *FixtureProvider) key(req Request) string {
	if ch, ok := req.Inputs["channel"]; ok {
		k := fmt.Sprintf("%s:%v", req.Capability, ch)
		if _, ok := f.entries[k]; ok {
			return k
		}
	}
	return string(req.Capability)
}

// Invoke returns the next canned response for req.
func (f *FixtureProvider) Invoke(_ context.Context, req Request) (*Response, error) {
	f.mu.Lock()
	k := f.key(req)
	list := f.entries[k]
	i := f.calls[k]
	f.calls[k] = i + 1
	f.mu.Unlock()

	if len(list) == 0 {
		return nil, eris.Wrapf(ErrUnsupported, "no fixture for %s", k)
	}
	if i >= len(list) {
		i = len(list) - 1
	}
	e := list[i]

	switch e.Error {
	case "":
	case "transient":
		return nil, resilience.NewTransientError(eris.Errorf("fixture: %s unavailable", k), 503)
	default:
		return nil, eris.Errorf("fixture: %s failed", k)
	}

	out, err := json.Marshal(e.Output)
	if err != nil {
		return nil, eris.Wrapf(err, "capability: encode fixture %s", k)
	}
	return &Response{Capability: req.Capability, Output: out, Cost: e.Cost}, nil
}

// Has reports whether any fixture exists for capability c.
func (f *FixtureProvider) Has(c Name) bool {
	if _, ok := f.entries[string(c)]; ok {
		return true
	}
	prefix := string(c) + ":"
	for k := range f.entries {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

// Calls returns how many times key has been invoked.
func (f *FixtureProvider) Calls(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}
