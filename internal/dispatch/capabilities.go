package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
)

// CapabilityDetector infers required capabilities from a workflow payload.
// Implementations are heuristics; a miss or a false positive only changes
// which robots are eligible.
type CapabilityDetector interface {
	Detect(payload json.RawMessage) []domain.Capability
}

// NopDetector never infers anything
type NopDetector struct{}

func (NopDetector) Detect(json.RawMessage) []domain.Capability { return nil }

// KeywordRule maps substrings of node type names to a capability
type KeywordRule struct {
	Capability domain.Capability `yaml:"capability"`
	Keywords   []string          `yaml:"keywords"`
}

type rulesFile struct {
	Rules []KeywordRule `yaml:"rules"`
}

// DefaultRules covers the common browser, desktop and GPU node families
func DefaultRules() []KeywordRule {
	return []KeywordRule{
		{Capability: domain.CapabilityBrowser, Keywords: []string{"browser", "chrome", "firefox", "selenium", "playwright", "webpage", "navigate_url"}},
		{Capability: domain.CapabilityDesktop, Keywords: []string{"desktop", "window", "ui_automation", "mouse", "keyboard", "screenshot"}},
		{Capability: domain.CapabilityGPU, Keywords: []string{"gpu", "cuda"}},
	}
}

// LoadRules reads keyword rules from a YAML file of the form
//
//	rules:
//	  - capability: browser
//	    keywords: [browser, chrome]
func LoadRules(path string) ([]KeywordRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capability rules: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse capability rules: %w", err)
	}
	for i, r := range f.Rules {
		c, err := domain.ParseCapability(string(r.Capability))
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		f.Rules[i].Capability = c
	}
	return f.Rules, nil
}

// typeKeys are the JSON object keys whose string values name a node or step type
var typeKeys = map[string]bool{
	"type":      true,
	"node_type": true,
	"nodetype":  true,
	"step_type": true,
	"action":    true,
	"kind":      true,
}

// KeywordDetector matches node type names against keyword rules. Results are
// cached by payload hash.
type KeywordDetector struct {
	rules []KeywordRule
	cache *lru.Cache[string, []domain.Capability]
}

// NewKeywordDetector creates a detector with an LRU of cacheSize payloads
func NewKeywordDetector(rules []KeywordRule, cacheSize int) (*KeywordDetector, error) {
	if cacheSize <= 0 {
		cacheSize = 512
	}
	cache, err := lru.New[string, []domain.Capability](cacheSize)
	if err != nil {
		return nil, err
	}
	normalized := make([]KeywordRule, len(rules))
	for i, r := range rules {
		kws := make([]string, 0, len(r.Keywords))
		for _, k := range r.Keywords {
			if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
				kws = append(kws, k)
			}
		}
		normalized[i] = KeywordRule{Capability: r.Capability, Keywords: kws}
	}
	return &KeywordDetector{rules: normalized, cache: cache}, nil
}

// Detect returns the capabilities whose keywords appear in any node type name
func (d *KeywordDetector) Detect(payload json.RawMessage) []domain.Capability {
	if len(payload) == 0 {
		return nil
	}
	sum := sha256.Sum256(payload)
	key := hex.EncodeToString(sum[:])
	if caps, ok := d.cache.Get(key); ok {
		return caps
	}

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil
	}
	var names []string
	collectTypeNames(doc, &names)

	var caps []domain.Capability
	for _, r := range d.rules {
		if matchesAny(names, r.Keywords) {
			caps = append(caps, r.Capability)
		}
	}
	d.cache.Add(key, caps)
	return caps
}

func collectTypeNames(v any, out *[]string) {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if s, ok := val.(string); ok && typeKeys[strings.ToLower(k)] {
				*out = append(*out, strings.ToLower(s))
				continue
			}
			collectTypeNames(val, out)
		}
	case []any:
		for _, val := range t {
			collectTypeNames(val, out)
		}
	}
}

func matchesAny(names, keywords []string) bool {
	for _, n := range names {
		for _, k := range keywords {
			if strings.Contains(n, k) {
				return true
			}
		}
	}
	return false
}
