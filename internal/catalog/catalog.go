// Package catalog loads the model registry: which model each provider serves
// per tier, which tier each agent uses, and the parameter defaults composed
// into every call. A loaded Catalog is immutable; request handling never
// mutates it.
package catalog

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	gateway "github.com/eugener/radagast/internal"
)

// Model tiers. Registries may define additional tiers (e.g. "legacy");
// these four are the conventional set.
const (
	TierDefault    = "default"
	TierFast       = "fast"
	TierQuality    = "quality"
	TierEvaluation = "evaluation"
)

// Params are generation parameter defaults resolved from the registry,
// composed as global defaults <- tier <- agent overrides.
type Params struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
	Timeout     time.Duration
}

// document mirrors the registry YAML layout.
type document struct {
	Providers        map[string]providerEntry `yaml:"providers"`
	Defaults         defaultsEntry            `yaml:"defaults"`
	AgentAssignments map[string]assignment    `yaml:"agent_assignments"`
	Parameters       map[string]paramsEntry   `yaml:"parameters"`
	AgentOverrides   map[string]paramsEntry   `yaml:"agent_overrides"`
	Environments     map[string]environment   `yaml:"environments"`
}

type providerEntry struct {
	Models map[string]string `yaml:"models"`
}

type defaultsEntry struct {
	Provider      string   `yaml:"provider"`
	FallbackChain []string `yaml:"fallback_chain"`
}

type assignment struct {
	ModelTier string   `yaml:"model_tier"`
	Agents    []string `yaml:"agents"`
}

type paramsEntry struct {
	Temperature    *float64 `yaml:"temperature"`
	TopP           *float64 `yaml:"top_p"`
	MaxTokens      *int     `yaml:"max_tokens"`
	TimeoutSeconds *int     `yaml:"timeout_seconds"`
}

type environment struct {
	Defaults   *defaultsEntry         `yaml:"defaults"`
	Parameters map[string]paramsEntry `yaml:"parameters"`
}

// defaultFallbackChain orders providers free before paid, local before cloud.
var defaultFallbackChain = []string{
	"ollama", "lightllm", "groq", "gemini", "anthropic", "bedrock", "azure_openai",
}

// defaultDocument is the built-in registry used when no file is present.
func defaultDocument() document {
	return document{
		Providers: map[string]providerEntry{
			"anthropic": {Models: map[string]string{
				TierDefault:    "claude-sonnet-4-20250514",
				TierFast:       "claude-3-5-haiku-20241022",
				TierQuality:    "claude-opus-4-20250514",
				TierEvaluation: "claude-3-5-sonnet-20241022",
			}},
			"ollama": {Models: map[string]string{
				TierDefault:    "llama3.2",
				TierFast:       "llama3.2:3b",
				TierQuality:    "llama3.2:70b",
				TierEvaluation: "llama3.2",
			}},
			"groq": {Models: map[string]string{
				TierDefault:    "llama-3.3-70b-versatile",
				TierFast:       "llama-3.1-8b-instant",
				TierQuality:    "llama-3.3-70b-versatile",
				TierEvaluation: "llama-3.3-70b-versatile",
			}},
			"lightllm": {Models: map[string]string{
				TierDefault: "llama-70b",
			}},
			"gemini": {Models: map[string]string{
				TierDefault:    "gemini-1.5-flash",
				TierFast:       "gemini-1.5-flash-8b",
				TierQuality:    "gemini-1.5-pro",
				TierEvaluation: "gemini-1.5-flash",
			}},
			"bedrock": {Models: map[string]string{
				TierDefault:    "anthropic.claude-3-sonnet-20240229-v1:0",
				TierFast:       "anthropic.claude-3-haiku-20240307-v1:0",
				TierQuality:    "anthropic.claude-3-5-sonnet-20241022-v2:0",
				TierEvaluation: "anthropic.claude-3-sonnet-20240229-v1:0",
			}},
			"azure_openai": {Models: map[string]string{
				TierDefault: "gpt-4-turbo",
				TierFast:    "gpt-35-turbo",
				TierQuality: "gpt-4o",
			}},
		},
		Defaults: defaultsEntry{Provider: "ollama"},
		Parameters: map[string]paramsEntry{
			TierDefault: {Temperature: f64(0.1), MaxTokens: iptr(4096)},
			TierFast:    {Temperature: f64(0.0), MaxTokens: iptr(1024)},
			TierQuality: {Temperature: f64(0.1), MaxTokens: iptr(4096)},
		},
	}
}

func f64(v float64) *float64 { return &v }
func iptr(v int) *int        { return &v }

// baseParams are the hardcoded floor under every tier.
var baseParams = Params{
	Temperature: 0.1,
	TopP:        1.0,
	MaxTokens:   4096,
	Timeout:     60 * time.Second,
}

// Catalog is an immutable resolved registry snapshot.
type Catalog struct {
	providers       map[string]map[string]string // provider -> tier -> model
	defaultProvider string
	fallbackChain   []string
	agentTiers      map[string]string // agent -> tier
	tierParams      map[string]paramsEntry
	agentOverrides  map[string]paramsEntry
	modelOverrides  map[string]string // provider -> <PROVIDER>_MODEL env value
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads the registry file, expands ${VAR} references, applies the
// ENVIRONMENT overlay and the PROVIDER / PROVIDER_FALLBACK / <PROVIDER>_MODEL
// environment overrides. A missing file yields the built-in registry; a
// malformed one is a configuration error.
func Load(path string) (*Catalog, error) {
	doc := defaultDocument()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		data = expandEnv(data)
		doc = document{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, gateway.WrapErr(gateway.KindConfiguration, "", fmt.Errorf("parse model registry %s: %w", path, err))
		}
	case os.IsNotExist(err):
		// Built-in defaults cover local development.
	default:
		return nil, gateway.WrapErr(gateway.KindConfiguration, "", fmt.Errorf("read model registry %s: %w", path, err))
	}

	if env := os.Getenv("ENVIRONMENT"); env != "" {
		doc.applyEnvironment(env)
	}
	return build(doc)
}

// applyEnvironment overlays the named environments section onto defaults and
// parameters.
func (d *document) applyEnvironment(name string) {
	env, ok := d.Environments[name]
	if !ok {
		return
	}
	if env.Defaults != nil {
		if env.Defaults.Provider != "" {
			d.Defaults.Provider = env.Defaults.Provider
		}
		if len(env.Defaults.FallbackChain) > 0 {
			d.Defaults.FallbackChain = env.Defaults.FallbackChain
		}
	}
	if len(env.Parameters) > 0 {
		if d.Parameters == nil {
			d.Parameters = make(map[string]paramsEntry, len(env.Parameters))
		}
		for tier, p := range env.Parameters {
			base := d.Parameters[tier]
			base.overlay(p)
			d.Parameters[tier] = base
		}
	}
}

func (p *paramsEntry) overlay(o paramsEntry) {
	if o.Temperature != nil {
		p.Temperature = o.Temperature
	}
	if o.TopP != nil {
		p.TopP = o.TopP
	}
	if o.MaxTokens != nil {
		p.MaxTokens = o.MaxTokens
	}
	if o.TimeoutSeconds != nil {
		p.TimeoutSeconds = o.TimeoutSeconds
	}
}

func build(doc document) (*Catalog, error) {
	c := &Catalog{
		providers:       make(map[string]map[string]string, len(doc.Providers)),
		defaultProvider: doc.Defaults.Provider,
		fallbackChain:   doc.Defaults.FallbackChain,
		agentTiers:      make(map[string]string),
		tierParams:      doc.Parameters,
		agentOverrides:  doc.AgentOverrides,
		modelOverrides:  make(map[string]string),
	}
	for name, entry := range doc.Providers {
		name = strings.ToLower(name)
		tiers := make(map[string]string, len(entry.Models))
		for tier, model := range entry.Models {
			tiers[strings.ToLower(tier)] = model
		}
		c.providers[name] = tiers
	}
	for _, a := range doc.AgentAssignments {
		tier := a.ModelTier
		if tier == "" {
			tier = TierDefault
		}
		for _, agent := range a.Agents {
			c.agentTiers[agent] = tier
		}
	}

	if c.defaultProvider == "" {
		c.defaultProvider = "ollama"
	}
	if len(c.fallbackChain) == 0 {
		c.fallbackChain = slices.Clone(defaultFallbackChain)
	}

	// Environment overrides win over the document.
	if p := strings.ToLower(strings.TrimSpace(os.Getenv("PROVIDER"))); p != "" {
		if _, ok := c.providers[p]; !ok {
			return nil, gateway.E(gateway.KindConfiguration, "", fmt.Sprintf("PROVIDER=%q is not a configured provider", p))
		}
		c.defaultProvider = p
	}
	if raw := os.Getenv("PROVIDER_FALLBACK"); raw != "" {
		var chain []string
		for _, name := range strings.Split(raw, ",") {
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "" {
				continue
			}
			if _, ok := c.providers[name]; !ok {
				return nil, gateway.E(gateway.KindConfiguration, "", fmt.Sprintf("PROVIDER_FALLBACK names unknown provider %q", name))
			}
			chain = append(chain, name)
		}
		if len(chain) > 0 {
			c.fallbackChain = chain
		}
	}
	for name := range c.providers {
		envName := strings.ToUpper(name) + "_MODEL"
		if model := os.Getenv(envName); model != "" {
			c.modelOverrides[name] = model
		}
	}

	c.fallbackChain = dedupe(c.fallbackChain)
	return c, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// DefaultProvider returns the resolved default provider identifier.
func (c *Catalog) DefaultProvider() string { return c.defaultProvider }

// FallbackChain returns a copy of the deduplicated fallback chain in
// configuration order.
func (c *Catalog) FallbackChain() []string { return slices.Clone(c.fallbackChain) }

// Providers returns the configured provider identifiers, sorted.
func (c *Catalog) Providers() []string {
	out := make([]string, 0, len(c.providers))
	for name := range c.providers {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// HasProvider reports whether the registry configures the provider.
func (c *Catalog) HasProvider(name string) bool {
	_, ok := c.providers[name]
	return ok
}

// Model resolves the model for a (provider, tier) pair. A <PROVIDER>_MODEL
// environment override wins; otherwise the tier entry, then the provider's
// default tier. A pair with no resolution is a configuration error, never a
// silent fallback.
func (c *Catalog) Model(provider, tier string) (string, error) {
	if m, ok := c.modelOverrides[provider]; ok {
		return m, nil
	}
	tiers, ok := c.providers[provider]
	if !ok {
		return "", gateway.E(gateway.KindConfiguration, provider, fmt.Sprintf("provider %q not in model registry", provider))
	}
	if tier == "" {
		tier = TierDefault
	}
	if m, ok := tiers[tier]; ok && m != "" {
		return m, nil
	}
	if m, ok := tiers[TierDefault]; ok && m != "" {
		return m, nil
	}
	return "", gateway.E(gateway.KindConfiguration, provider, fmt.Sprintf("no model for provider %q tier %q and no default tier", provider, tier))
}

// TierForAgent returns the tier an agent is assigned to, or the default tier
// for unknown agents.
func (c *Catalog) TierForAgent(agent string) string {
	if tier, ok := c.agentTiers[agent]; ok {
		return tier
	}
	return TierDefault
}

// ModelForAgent resolves agent -> tier -> (provider, tier) -> model.
func (c *Catalog) ModelForAgent(agent, provider string) (string, error) {
	return c.Model(provider, c.TierForAgent(agent))
}

// Params returns the parameter defaults for a tier, overlaid onto the
// hardcoded base.
func (c *Catalog) Params(tier string) Params {
	p := baseParams
	if tier == "" {
		tier = TierDefault
	}
	if e, ok := c.tierParams[tier]; ok {
		applyEntry(&p, e)
	}
	return p
}

// ParamsForAgent returns the tier parameters for the agent's tier with any
// agent-specific overrides applied.
func (c *Catalog) ParamsForAgent(agent string) Params {
	p := c.Params(c.TierForAgent(agent))
	if e, ok := c.agentOverrides[agent]; ok {
		applyEntry(&p, e)
	}
	return p
}

func applyEntry(p *Params, e paramsEntry) {
	if e.Temperature != nil {
		p.Temperature = *e.Temperature
	}
	if e.TopP != nil {
		p.TopP = *e.TopP
	}
	if e.MaxTokens != nil {
		p.MaxTokens = *e.MaxTokens
	}
	if e.TimeoutSeconds != nil {
		p.Timeout = time.Duration(*e.TimeoutSeconds) * time.Second
	}
}
