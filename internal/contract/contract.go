// Package contract loads and validates prompt contracts: the versioned,
// schema-validated IPC spec between the supervisor/executor and a
// provider (spec.md §3 Prompt Contract, §6 Contract file format). Schema
// compilation and caching follow the teacher's
// pkg/pluginsdk.ValidateConfig/compileSchema pattern.
package contract

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
)

var idPattern = regexp.MustCompile(`^PRC-[A-Za-z0-9]+-[0-9]{3}$`)

// Boundary holds the hard limits a contract imposes on every call made
// under it.
type Boundary struct {
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

// StructuredOutput names a schema the provider should constrain generation
// to, mutually exclusive with tool use on a single request (§4.4 step 5).
type StructuredOutput struct {
	Schema json.RawMessage `json:"schema"`
}

// Contract is a loaded, schema-compiled prompt contract.
type Contract struct {
	ContractID       string            `json:"contract_id"`
	Version          string            `json:"version"`
	PromptPackID     string            `json:"prompt_pack_id"`
	Boundary         Boundary          `json:"boundary"`
	InputSchemaRaw   json.RawMessage   `json:"input_schema,omitempty"`
	OutputSchemaRaw  json.RawMessage   `json:"output_schema,omitempty"`
	DomainTags       []string          `json:"domain_tags,omitempty"`
	StructuredOutput *StructuredOutput `json:"structured_output,omitempty"`
	Tier             string            `json:"tier,omitempty"`

	inputSchema  *jsonschema.Schema
	outputSchema *jsonschema.Schema
}

// ValidateInput checks input against the contract's input_schema, if any.
// A contract without an input_schema accepts any object (§3: input_schema
// is optional).
func (c *Contract) ValidateInput(data json.RawMessage) error {
	return validateAgainst(c.inputSchema, data)
}

// ValidateOutput checks a parsed LLM output against the contract's
// output_schema, if any.
func (c *Contract) ValidateOutput(data json.RawMessage) error {
	return validateAgainst(c.outputSchema, data)
}

func validateAgainst(schema *jsonschema.Schema, data json.RawMessage) error {
	if schema == nil {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("contract: decode payload: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("contract: schema validation failed: %w", err)
	}
	return nil
}

// Loader loads and caches contracts by ID. A contract is loaded once per
// executor process and cached for its lifetime (§3 Lifecycle).
type Loader struct {
	mu        sync.RWMutex
	dir       string
	contracts map[string]*Contract
}

// NewLoader creates a Loader that reads contract files named
// "<contract_id>.json" or "<contract_id>.json5" from dir.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir, contracts: make(map[string]*Contract)}
}

// Load resolves contractID to a validated Contract, reading and compiling
// it on first use and returning the cached value thereafter.
func (l *Loader) Load(contractID string) (*Contract, error) {
	l.mu.RLock()
	if c, ok := l.contracts[contractID]; ok {
		l.mu.RUnlock()
		return c, nil
	}
	l.mu.RUnlock()

	if !idPattern.MatchString(contractID) {
		return nil, fmt.Errorf("contract: malformed contract_id %q (want PRC-<TAG>-<NNN>)", contractID)
	}

	raw, path, err := l.readFile(contractID)
	if err != nil {
		return nil, fmt.Errorf("contract: %s not found: %w", contractID, err)
	}

	var c Contract
	if strings.HasSuffix(path, ".json5") {
		if err := json5.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("contract: decode %s: %w", path, err)
		}
	} else {
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("contract: decode %s: %w", path, err)
		}
	}

	if err := c.validateShape(); err != nil {
		return nil, err
	}

	var probe struct {
		Boundary map[string]any `json:"boundary"`
	}
	unmarshal := json.Unmarshal
	if strings.HasSuffix(path, ".json5") {
		unmarshal = json5.Unmarshal
	}
	if err := unmarshal(raw, &probe); err != nil || probe.Boundary["temperature"] == nil {
		return nil, fmt.Errorf("contract: missing boundary.temperature")
	}

	if len(c.InputSchemaRaw) > 0 {
		schema, err := compileSchema(contractID+".input", c.InputSchemaRaw)
		if err != nil {
			return nil, fmt.Errorf("contract: compile input_schema for %s: %w", contractID, err)
		}
		c.inputSchema = schema
	}
	if len(c.OutputSchemaRaw) > 0 {
		schema, err := compileSchema(contractID+".output", c.OutputSchemaRaw)
		if err != nil {
			return nil, fmt.Errorf("contract: compile output_schema for %s: %w", contractID, err)
		}
		c.outputSchema = schema
	}

	l.mu.Lock()
	l.contracts[contractID] = &c
	l.mu.Unlock()
	return &c, nil
}

func (l *Loader) readFile(contractID string) ([]byte, string, error) {
	for _, ext := range []string{".json", ".json5"} {
		path := filepath.Join(l.dir, contractID+ext)
		if raw, err := os.ReadFile(path); err == nil {
			return raw, path, nil
		}
	}
	return nil, "", fmt.Errorf("no contract file for %q in %s", contractID, l.dir)
}

// validateShape enforces the required top-level fields named in §6's
// Contract file format (contract_id, version, prompt_pack_id, and a
// positive boundary.max_tokens). boundary.temperature's presence is
// checked by Load against the raw file, since a decoded zero cannot tell
// a missing value from an explicit 0.
func (c *Contract) validateShape() error {
	if c.ContractID == "" {
		return fmt.Errorf("contract: missing contract_id")
	}
	if c.Version == "" {
		return fmt.Errorf("contract: missing version")
	}
	if c.PromptPackID == "" {
		return fmt.Errorf("contract: missing prompt_pack_id")
	}
	if c.Boundary.MaxTokens <= 0 {
		return fmt.Errorf("contract: boundary.max_tokens must be positive")
	}
	return nil
}

var (
	schemaCacheMu sync.Mutex
	schemaCache   = make(map[string]*jsonschema.Schema)
)

func compileSchema(key string, raw json.RawMessage) (*jsonschema.Schema, error) {
	schemaCacheMu.Lock()
	defer schemaCacheMu.Unlock()
	if s, ok := schemaCache[key]; ok {
		return s, nil
	}
	compiled, err := jsonschema.CompileString(key+".schema.json", string(raw))
	if err != nil {
		return nil, err
	}
	schemaCache[key] = compiled
	return compiled, nil
}
