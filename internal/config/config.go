// Package config loads and holds the gateway's provider registry and routing
// policy. A single Manager owns an atomic.Value snapshot so concurrent
// readers (the routing table, the transformer's model map) never observe a
// partially-applied reload.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort           = 6970
	DefaultConfigFilename = "config.json"
	DefaultYAMLFilename   = "config.yaml"
	DefaultHost           = "127.0.0.1"

	DefaultFailureThreshold  = 5
	DefaultRecoveryDelay     = 300 * time.Second
	DefaultRequiredProbes    = 3
	DefaultMaxConcurrent     = 64
	DefaultMaxRPM            = 600
	DefaultProbeInterval     = 60 * time.Second
	DefaultMonitorTick       = 5 * time.Second
	DefaultFanOutCap         = 3
	DefaultMetricsRingSize   = 10000
	DefaultStreamIdleTimeout = 300 * time.Second
	DefaultChunkWaitTimeout  = 10 * time.Second
)

var providerNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Capability is a boolean attribute a provider may advertise and a request
// may require.
type Capability string

const (
	CapabilityVision          Capability = "VISION"
	CapabilityThinking        Capability = "THINKING"
	CapabilityTools           Capability = "TOOLS"
	CapabilityStreaming       Capability = "STREAMING"
	CapabilityJSONMode        Capability = "JSON_MODE"
	CapabilityFunctionCalling Capability = "FUNCTION_CALLING"
)

// AllCapabilities is the known capability universe; RequestDescriptor's
// required set must be a subset of it.
var AllCapabilities = []Capability{
	CapabilityVision, CapabilityThinking, CapabilityTools,
	CapabilityStreaming, CapabilityJSONMode, CapabilityFunctionCalling,
}

// DefaultProviderURLs holds well-known upstream base URLs used when a
// provider entry omits one.
var DefaultProviderURLs = map[string]string{
	"openrouter": "https://openrouter.ai/api/v1/chat/completions",
	"openai":     "https://api.openai.com/v1/chat/completions",
	"anthropic":  "https://api.anthropic.com/v1/messages",
	"nvidia":     "https://integrate.api.nvidia.com/v1/chat/completions",
	"gemini":     "https://generativelanguage.googleapis.com/v1beta/models",
}

// DefaultProviderModels holds the default model list per well-known provider.
var DefaultProviderModels = map[string][]string{
	"openrouter": {"anthropic/claude-3.5-sonnet", "anthropic/claude-3-opus", "openai/gpt-4-turbo", "openai/gpt-4o"},
	"openai":     {"gpt-4o", "gpt-4-turbo", "gpt-4", "gpt-3.5-turbo"},
	"anthropic":  {"claude-3-5-sonnet-20241022", "claude-3-opus-20240229", "claude-3-haiku-20240307"},
	"nvidia":     {"nvidia/llama-3.1-nemotron-70b-instruct", "nvidia/llama-3.1-nemotron-51b-instruct"},
	"gemini":     {"gemini-2.0-flash", "gemini-1.5-pro", "gemini-1.5-flash"},
}

// CostWeights prices a provider per million input/output tokens, used by
// RoutingLogic's cost priority and by the weighted load balancer.
type CostWeights struct {
	InputPerMillion  float64 `json:"input_per_million,omitempty" yaml:"input_per_million,omitempty"`
	OutputPerMillion float64 `json:"output_per_million,omitempty" yaml:"output_per_million,omitempty"`
}

// HealthParams tunes one provider's circuit breaker and probe cadence.
type HealthParams struct {
	FailureThreshold int           `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
	RecoveryDelay    time.Duration `json:"recovery_delay,omitempty" yaml:"recovery_delay,omitempty"`
	RequiredProbes   int           `json:"required_probes,omitempty" yaml:"required_probes,omitempty"`
	ProbeInterval    time.Duration `json:"probe_interval,omitempty" yaml:"probe_interval,omitempty"`
}

func (h HealthParams) WithDefaults() HealthParams {
	if h.FailureThreshold <= 0 {
		h.FailureThreshold = DefaultFailureThreshold
	}
	if h.RecoveryDelay <= 0 {
		h.RecoveryDelay = DefaultRecoveryDelay
	}
	if h.RequiredProbes <= 0 {
		h.RequiredProbes = DefaultRequiredProbes
	}
	if h.ProbeInterval <= 0 {
		h.ProbeInterval = DefaultProbeInterval
	}
	return h
}

// Provider is one upstream LLM backend registration.
type Provider struct {
	Name           string       `json:"name" yaml:"name"`
	APIBase        string       `json:"api_base_url" yaml:"url,omitempty"`
	APIKey         Secret       `json:"api_key" yaml:"api_key,omitempty"`
	Models         []string     `json:"models" yaml:"models,omitempty"`
	ModelWhitelist []string     `json:"model_whitelist,omitempty" yaml:"model_whitelist,omitempty"`
	DefaultModels  []string     `json:"default_models,omitempty" yaml:"default_models,omitempty"`
	Capabilities   []Capability `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Cost           CostWeights  `json:"cost,omitempty" yaml:"cost,omitempty"`
	PriorityScore  float64      `json:"priority_score,omitempty" yaml:"priority_score,omitempty"`
	MaxConcurrent  int          `json:"max_concurrent,omitempty" yaml:"max_concurrent,omitempty"`
	MaxRPM         int          `json:"max_requests_per_minute,omitempty" yaml:"max_requests_per_minute,omitempty"`
	Enabled        *bool        `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Health         HealthParams `json:"health,omitempty" yaml:"health,omitempty"`
	// Format is the provider's native wire format ("anthropic" or
	// "openai"), consulted by the transformer to know which direction to
	// translate a client request into before dispatch. Defaults to
	// "openai" since most registered providers are OpenAI-compatible.
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// WireFormat returns the provider's native format, defaulting to "openai".
func (p *Provider) WireFormat() string {
	if p.Format == "" {
		return "openai"
	}
	return p.Format
}

// IsEnabled defaults to true when unset.
func (p *Provider) IsEnabled() bool { return p.Enabled == nil || *p.Enabled }

// HasCapability reports whether the provider advertises cap.
func (p *Provider) HasCapability(cap Capability) bool {
	for _, c := range p.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// HasCapabilities reports whether the provider advertises every capability
// in required (⊇ check from §4.6).
func (p *Provider) HasCapabilities(required []Capability) bool {
	for _, r := range required {
		if !p.HasCapability(r) {
			return false
		}
	}
	return true
}

// Validate enforces the ProviderConfig invariants from the data model: a
// name matching the allowed charset, an http(s) base URL, at least one
// model, and, when a credential is set, at least 16 chars with one
// alphanumeric; an empty credential is accepted.
func (p *Provider) Validate() error {
	if !providerNamePattern.MatchString(p.Name) {
		return fmt.Errorf("provider name %q must match [A-Za-z0-9_-]{1,64}", p.Name)
	}
	if !strings.HasPrefix(p.APIBase, "http://") && !strings.HasPrefix(p.APIBase, "https://") {
		return fmt.Errorf("provider %q base URL must be http(s)", p.Name)
	}
	if len(p.Models) == 0 && len(p.DefaultModels) == 0 {
		return fmt.Errorf("provider %q must list at least one model", p.Name)
	}
	key := p.APIKey.Value()
	if key != "" {
		if len(key) < 16 {
			return fmt.Errorf("provider %q credential must be at least 16 characters", p.Name)
		}
		if !hasAlnum(key) {
			return fmt.Errorf("provider %q credential must contain at least one alphanumeric character", p.Name)
		}
	}
	return nil
}

func hasAlnum(s string) bool {
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return true
		}
	}
	return false
}

// IsModelAllowed reports whether model passes the provider's whitelist.
func (p *Provider) IsModelAllowed(model string) bool {
	if len(p.ModelWhitelist) == 0 {
		return true
	}
	for _, whitelisted := range p.ModelWhitelist {
		if strings.Contains(model, whitelisted) || model == whitelisted {
			return true
		}
	}
	return false
}

// GetAllowedModels returns the default models filtered by the whitelist.
func (p *Provider) GetAllowedModels() []string {
	if len(p.ModelWhitelist) == 0 {
		return p.DefaultModels
	}
	var allowed []string
	for _, model := range p.DefaultModels {
		if p.IsModelAllowed(model) {
			allowed = append(allowed, model)
		}
	}
	return allowed
}

// RouterConfig names a provider/model per request class, written as
// "<provider>/<model>" in the example config. Only the config command reads
// these fields (to print them and to require Default); dispatch does not.
type RouterConfig struct {
	Default     string `json:"default" yaml:"default,omitempty"`
	Think       string `json:"think,omitempty" yaml:"think,omitempty"`
	Background  string `json:"background,omitempty" yaml:"background,omitempty"`
	LongContext string `json:"longContext,omitempty" yaml:"long_context,omitempty"`
	WebSearch   string `json:"webSearch,omitempty" yaml:"web_search,omitempty"`
}

// RoutingPolicy is the §6 "routing{priority, load_balancer}" config block.
type RoutingPolicy struct {
	Priority     string `json:"priority,omitempty" yaml:"priority,omitempty"`         // cost|performance|reliability|balanced|custom
	LoadBalancer string `json:"load_balancer,omitempty" yaml:"load_balancer,omitempty"` // round_robin|weighted|least_connections
	FanOutCap    int    `json:"fan_out_cap,omitempty" yaml:"fan_out_cap,omitempty"`
	RelaxCapability bool `json:"relax_capability,omitempty" yaml:"relax_capability,omitempty"`
}

func (r RoutingPolicy) WithDefaults() RoutingPolicy {
	if r.Priority == "" {
		r.Priority = "balanced"
	}
	if r.LoadBalancer == "" {
		r.LoadBalancer = "weighted"
	}
	if r.FanOutCap <= 0 {
		r.FanOutCap = DefaultFanOutCap
	}
	return r
}

// Config is the full top-level gateway configuration.
type Config struct {
	Host      string        `json:"HOST,omitempty" yaml:"host,omitempty"`
	Port      int           `json:"PORT,omitempty" yaml:"port,omitempty"`
	APIKey    Secret        `json:"APIKEY,omitempty" yaml:"api_key,omitempty"`
	Providers []Provider    `json:"Providers" yaml:"providers"`
	Router    RouterConfig  `json:"Router" yaml:"router,omitempty"`
	Routing   RoutingPolicy `json:"routing,omitempty" yaml:"routing,omitempty"`

	DefaultProvider string `json:"default_provider,omitempty" yaml:"default_provider,omitempty"`
	ThinkingProvider string `json:"thinking_provider,omitempty" yaml:"thinking_provider,omitempty"`
	VisionProvider  string `json:"vision_provider,omitempty" yaml:"vision_provider,omitempty"`
	ToolsProvider   string `json:"tools_provider,omitempty" yaml:"tools_provider,omitempty"`

	CORSEnabled bool `json:"cors_enabled,omitempty" yaml:"cors_enabled,omitempty"`
}

// Manager owns the on-disk config path(s) and an atomically-swapped snapshot.
type Manager struct {
	baseDir     string
	jsonPath    string
	yamlPath    string
	configValue atomic.Value
}

func NewManager(baseDir string) *Manager {
	return &Manager{
		baseDir:  baseDir,
		jsonPath: filepath.Join(baseDir, DefaultConfigFilename),
		yamlPath: filepath.Join(baseDir, DefaultYAMLFilename),
	}
}

func (m *Manager) createMinimalConfig() Config {
	return Config{
		Host: DefaultHost,
		Port: DefaultPort,
		Providers: []Provider{
			{Name: "openrouter"},
			{Name: "openai"},
			{Name: "anthropic", Format: "anthropic"},
			{Name: "nvidia"},
		},
		Router: RouterConfig{
			Default:     "openrouter,anthropic/claude-3.5-sonnet",
			Think:       "openai,o1-preview",
			Background:  "anthropic,claude-3-haiku-20240307",
			LongContext: "anthropic,claude-3-5-sonnet-20241022",
			WebSearch:   "openrouter,perplexity/llama-3.1-sonar-huge-128k-online",
		},
	}
}

// Load reads YAML (if present, takes precedence), else JSON, else a minimal
// config seeded from the CCO_API_KEY environment variable.
func (m *Manager) Load() (*Config, error) {
	var cfg Config
	var err error

	ccoAPIKey := os.Getenv("CCO_API_KEY")

	switch {
	case fileExists(m.yamlPath):
		if cfg, err = m.loadYAML(); err != nil {
			return nil, fmt.Errorf("load YAML config: %w", err)
		}
	case fileExists(m.jsonPath):
		if cfg, err = m.loadJSON(); err != nil {
			return nil, fmt.Errorf("load JSON config: %w", err)
		}
	case ccoAPIKey != "":
		cfg = m.createMinimalConfig()
		for i := range cfg.Providers {
			cfg.Providers[i].APIKey = Secret(ccoAPIKey)
		}
	default:
		return nil, fmt.Errorf("no configuration file found (looked for %s or %s) and CCO_API_KEY not set", m.yamlPath, m.jsonPath)
	}

	m.applyDefaults(&cfg)
	m.configValue.Store(&cfg)
	return &cfg, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (m *Manager) loadYAML() (Config, error) {
	var cfg Config
	data, err := os.ReadFile(m.yamlPath)
	if err != nil {
		return cfg, fmt.Errorf("read YAML config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal YAML config: %w", err)
	}
	return cfg, nil
}

func (m *Manager) loadJSON() (Config, error) {
	var cfg Config
	data, err := os.ReadFile(m.jsonPath)
	if err != nil {
		return cfg, fmt.Errorf("read JSON config file: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal JSON config: %w", err)
	}
	return cfg, nil
}

func (m *Manager) applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	cfg.Routing = cfg.Routing.WithDefaults()

	for i := range cfg.Providers {
		provider := &cfg.Providers[i]

		if provider.APIBase == "" {
			if defaultURL, ok := DefaultProviderURLs[provider.Name]; ok {
				provider.APIBase = defaultURL
			}
		}
		if len(provider.DefaultModels) == 0 {
			if defaultModels, ok := DefaultProviderModels[provider.Name]; ok {
				provider.DefaultModels = append([]string(nil), defaultModels...)
			}
		}
		if len(provider.ModelWhitelist) > 0 && len(provider.DefaultModels) > 0 {
			var filtered []string
			for _, model := range provider.DefaultModels {
				if provider.IsModelAllowed(model) {
					filtered = append(filtered, model)
				}
			}
			provider.DefaultModels = filtered
		}
		if provider.MaxConcurrent <= 0 {
			provider.MaxConcurrent = DefaultMaxConcurrent
		}
		if provider.MaxRPM <= 0 {
			provider.MaxRPM = DefaultMaxRPM
		}
		provider.Health = provider.Health.WithDefaults()
	}
}

// Get returns the live snapshot, loading it lazily if needed.
func (m *Manager) Get() *Config {
	if v := m.configValue.Load(); v != nil {
		return v.(*Config)
	}
	cfg, err := m.Load()
	if err != nil {
		return &Config{Host: DefaultHost, Port: DefaultPort}
	}
	return cfg
}

// Reload re-reads the config file and atomically swaps the snapshot; used by
// the fsnotify watcher for hot reload.
func (m *Manager) Reload() (*Config, error) {
	return m.Load()
}

func (m *Manager) Save(cfg *Config) error {
	return m.SaveAsYAML(cfg)
}

func (m *Manager) SaveAsYAML(cfg *Config) error {
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal YAML config: %w", err)
	}
	if err := os.WriteFile(m.yamlPath, data, 0o600); err != nil {
		return fmt.Errorf("write YAML config file: %w", err)
	}
	m.configValue.Store(cfg)
	return nil
}

func (m *Manager) SaveAsJSON(cfg *Config) error {
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON config: %w", err)
	}
	if err := os.WriteFile(m.jsonPath, data, 0o600); err != nil {
		return fmt.Errorf("write JSON config file: %w", err)
	}
	m.configValue.Store(cfg)
	return nil
}

func (m *Manager) GetPath() string {
	if fileExists(m.yamlPath) {
		return m.yamlPath
	}
	return m.jsonPath
}

func (m *Manager) GetYAMLPath() string { return m.yamlPath }
func (m *Manager) GetJSONPath() string { return m.jsonPath }

func (m *Manager) Exists() bool {
	return fileExists(m.yamlPath) || fileExists(m.jsonPath)
}

func (m *Manager) HasYAML() bool { return fileExists(m.yamlPath) }
func (m *Manager) HasJSON() bool { return fileExists(m.jsonPath) }

// CreateExampleYAML writes a starter config with all well-known providers.
func (m *Manager) CreateExampleYAML() error {
	cfg := &Config{
		Host:   DefaultHost,
		Port:   DefaultPort,
		APIKey: "your-proxy-api-key-here",
		Providers: []Provider{
			{Name: "openrouter", APIKey: "your-openrouter-api-key", ModelWhitelist: []string{"claude", "gpt-4"}},
			{Name: "openai", APIKey: "your-openai-api-key"},
			{Name: "anthropic", APIKey: "your-anthropic-api-key", Format: "anthropic"},
			{Name: "nvidia", APIKey: "your-nvidia-api-key"},
		},
		Router: RouterConfig{
			Default:     "openrouter/anthropic/claude-3.5-sonnet",
			Think:       "openai/o1-preview",
			Background:  "anthropic/claude-3-haiku-20240307",
			LongContext: "anthropic/claude-3-5-sonnet-20241022",
			WebSearch:   "openrouter/perplexity/llama-3.1-sonar-huge-128k-online",
		},
	}
	m.applyDefaults(cfg)
	return m.SaveAsYAML(cfg)
}
