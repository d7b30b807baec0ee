// Package config loads the flat-key configuration table named in
// spec.md §6: budget.*, memory.*, gateway.* settings, decoded from a
// $include-resolved YAML or JSON5 document (see loader.go). The decode
// shape — marshal the merged raw map back to YAML, then decode into a
// KnownFields(true) struct — is the teacher's internal/config.Config
// pattern; the struct itself is new, scoped to the kernel's config
// surface rather than the teacher's channel/plugin/database tree.
package config

import (
	"fmt"
)

// BudgetConfig configures the token budgeter (spec.md §4.2, §6).
type BudgetConfig struct {
	SessionTokenLimit     int     `yaml:"session_token_limit"`
	ClassifyBudget        int     `yaml:"classify_budget"`
	SynthesizeBudget      int     `yaml:"synthesize_budget"`
	ConsolidationBudget   int     `yaml:"consolidation_budget"`
	FollowupMinRemaining  int     `yaml:"followup_min_remaining"`
	BudgetMode            string  `yaml:"budget_mode"`
	TurnLimit             int     `yaml:"turn_limit"`
	TimeoutSeconds        int     `yaml:"timeout_seconds"`
}

// MemoryConfig configures the signal memory plane's bistable gate and
// decay (spec.md §4.7, §6).
type MemoryConfig struct {
	Enabled               bool    `yaml:"enabled"`
	GateCountThreshold    int     `yaml:"gate_count_threshold"`
	GateSessionThreshold  int     `yaml:"gate_session_threshold"`
	GateWindowHours       float64 `yaml:"gate_window_hours"`
	DecayHalfLifeHours    float64 `yaml:"decay_half_life_hours"`
	SalienceMin           float64 `yaml:"salience_min"`
}

// DomainRoute is one entry in gateway.domain_tag_routes: a domain tag
// mapped to the provider/model pair the gateway resolves it to (spec.md
// §4.3 step 1).
type DomainRoute struct {
	ProviderID string `yaml:"provider_id"`
	ModelID    string `yaml:"model_id"`
}

// GatewayConfig configures provider resolution (spec.md §4.3, §6).
type GatewayConfig struct {
	DomainTagRoutes map[string]DomainRoute `yaml:"domain_tag_routes"`
	DefaultProvider string                 `yaml:"default_provider"`
}

// ProviderConfig holds the credentials for one concrete LLM backend.
type ProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

// ProvidersConfig names the concrete providers the gateway may register.
type ProvidersConfig struct {
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
}

// PathsConfig names the on-disk locations the kernel reads from or
// writes to: ledger stream directories (one per tier) and the prompt
// contract directory.
type PathsConfig struct {
	LedgerDir    string `yaml:"ledger_dir"`
	ContractsDir string `yaml:"contracts_dir"`
}

// AgentConfig names the one agent class's prompt contracts and dispatch
// constraints the supervisor's Kitchener loop runs against (spec.md
// §4.8's classify/synthesize/consolidate dispatch, §6's max_retries and
// turn_limit).
type AgentConfig struct {
	AgentClass            string   `yaml:"agent_class"`
	ClassifyContractID    string   `yaml:"classify_contract_id"`
	SynthesizeContractID  string   `yaml:"synthesize_contract_id"`
	ConsolidateContractID string   `yaml:"consolidate_contract_id"`
	ToolsAllowed          []string `yaml:"tools_allowed"`
	SynthesizeDomainTags  []string `yaml:"synthesize_domain_tags"`
	MaxRetries            int      `yaml:"max_retries"`
	AttentionBudgetChars  int      `yaml:"attention_budget_chars"`
}

// Config is the root of the kernel's flat-key configuration table.
type Config struct {
	Budget    BudgetConfig    `yaml:"budget"`
	Memory    MemoryConfig    `yaml:"memory"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Providers ProvidersConfig `yaml:"providers"`
	Paths     PathsConfig     `yaml:"paths"`
	Agent     AgentConfig     `yaml:"agent"`
}

// Load reads path (resolving $include directives and environment
// interpolation via LoadRaw) and decodes it into a validated Config.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Budget.BudgetMode == "" {
		cfg.Budget.BudgetMode = "enforce"
	}
	if cfg.Budget.TurnLimit <= 0 {
		cfg.Budget.TurnLimit = 4
	}
	if cfg.Budget.TimeoutSeconds <= 0 {
		cfg.Budget.TimeoutSeconds = 60
	}
	if cfg.Memory.GateWindowHours <= 0 {
		cfg.Memory.GateWindowHours = 24
	}
	if cfg.Memory.DecayHalfLifeHours <= 0 {
		cfg.Memory.DecayHalfLifeHours = 12
	}
	if cfg.Memory.SalienceMin <= 0 {
		cfg.Memory.SalienceMin = 0.05
	}
	if cfg.Gateway.DefaultProvider == "" {
		cfg.Gateway.DefaultProvider = "anthropic"
	}
	if cfg.Paths.LedgerDir == "" {
		cfg.Paths.LedgerDir = "./data/ledger"
	}
	if cfg.Paths.ContractsDir == "" {
		cfg.Paths.ContractsDir = "./contracts"
	}
	if cfg.Agent.AgentClass == "" {
		cfg.Agent.AgentClass = "kitchener"
	}
	if cfg.Agent.MaxRetries <= 0 {
		cfg.Agent.MaxRetries = 1
	}
	if cfg.Agent.AttentionBudgetChars <= 0 {
		cfg.Agent.AttentionBudgetChars = 4000
	}
}

func (c *Config) validate() error {
	switch c.Budget.BudgetMode {
	case "enforce", "warn", "off":
	default:
		return fmt.Errorf("config: budget.budget_mode must be one of enforce|warn|off, got %q", c.Budget.BudgetMode)
	}
	if c.Budget.SessionTokenLimit < 0 {
		return fmt.Errorf("config: budget.session_token_limit must be non-negative")
	}
	return nil
}
