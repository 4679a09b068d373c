package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/sovereign-rag/gateway/internal/expr"
	"github.com/sovereign-rag/gateway/internal/gwtypes"
	"github.com/sovereign-rag/gateway/internal/policy"
	"github.com/sovereign-rag/gateway/internal/redaction"
)

// PolicyBundle is the hot-reloadable document backing policy.RuleEngine: an
// ordered rule list plus the default verdict and the hash stamped onto every
// decision it produces.
type PolicyBundle struct {
	PolicyHash   string             `koanf:"policyHash"`
	DefaultAllow bool               `koanf:"defaultAllow"`
	Rules        []PolicyRuleConfig `koanf:"rules"`
}

// PolicyRuleConfig mirrors policy.Rule in a koanf-friendly shape so it can be
// decoded from YAML/JSON/TOML.
type PolicyRuleConfig struct {
	Name                 string                        `koanf:"name"`
	Condition            string                        `koanf:"condition"`
	Allow                bool                           `koanf:"allow"`
	DenyReason           string                         `koanf:"denyReason"`
	Transforms           []PolicyTransformConfig        `koanf:"transforms"`
	ProviderConstraints  *gwtypes.ProviderConstraints   `koanf:"providerConstraints"`
	ConnectorConstraints *gwtypes.ConnectorConstraints  `koanf:"connectorConstraints"`
	MaxTokensOverride    *int                           `koanf:"maxTokensOverride"`
}

type PolicyTransformConfig struct {
	Type string         `koanf:"type"`
	Args map[string]any `koanf:"args"`
}

// LoadPolicyBundle reads path and compiles a policy.RuleEngine from it.
func LoadPolicyBundle(path string) (*policy.RuleEngine, PolicyBundle, error) {
	var doc PolicyBundle
	if err := decodeRulesFile(path, &doc); err != nil {
		return nil, PolicyBundle{}, err
	}
	if err := validatePolicyRuleExpressions(doc); err != nil {
		return nil, PolicyBundle{}, err
	}
	rules := make([]policy.Rule, len(doc.Rules))
	for i, r := range doc.Rules {
		transforms := make([]gwtypes.Transform, len(r.Transforms))
		for j, t := range r.Transforms {
			transforms[j] = gwtypes.Transform{Type: gwtypes.TransformType(t.Type), Args: t.Args}
		}
		rules[i] = policy.Rule{
			Name:                 r.Name,
			Condition:            r.Condition,
			Allow:                r.Allow,
			DenyReason:           r.DenyReason,
			Transforms:           transforms,
			ProviderConstraints:  r.ProviderConstraints,
			ConnectorConstraints: r.ConnectorConstraints,
			MaxTokensOverride:    r.MaxTokensOverride,
		}
	}
	engine, err := policy.NewRuleEngine(rules, doc.PolicyHash, doc.DefaultAllow)
	if err != nil {
		return nil, PolicyBundle{}, err
	}
	return engine, doc, nil
}

// RedactionOverlay is a hot-reloadable list of additional patterns layered
// onto redaction.Catalog, letting an operator add a category (e.g. an
// internal employee-ID format) without recompiling the binary.
type RedactionOverlay struct {
	Patterns []RedactionPatternConfig `koanf:"patterns"`
}

type RedactionPatternConfig struct {
	Category    string `koanf:"category"`
	Regex       string `koanf:"regex"`
	Replacement string `koanf:"replacement"`
}

// LoadRedactionOverlay reads path and returns an Engine seeded with the
// canonical catalog plus the overlay's additional patterns, in file order so
// the overlay can intentionally shadow an earlier category if needed.
func LoadRedactionOverlay(path string) (*redaction.Engine, error) {
	var doc RedactionOverlay
	if err := decodeRulesFile(path, &doc); err != nil {
		return nil, err
	}
	patterns := make([]redaction.Pattern, 0, len(redaction.Catalog)+len(doc.Patterns))
	patterns = append(patterns, redaction.Catalog...)
	for _, p := range doc.Patterns {
		compiled, err := redaction.CompilePattern(redaction.Category(p.Category), p.Regex, p.Replacement)
		if err != nil {
			return nil, fmt.Errorf("config: redaction overlay %s: %w", path, err)
		}
		patterns = append(patterns, compiled)
	}
	return redaction.NewWithPatterns(patterns), nil
}

func decodeRulesFile(path string, out any) error {
	if err := ensureFileExists(path); err != nil {
		return err
	}
	parser, err := parserFor(path)
	if err != nil {
		return err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	if err := k.Unmarshal("", out); err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	return nil
}

// validatePolicyRuleExpressions pre-compiles every rule condition against the
// policy CEL environment so a malformed bundle is rejected at load time
// instead of on the first matching request.
func validatePolicyRuleExpressions(doc PolicyBundle) error {
	env, err := expr.NewPolicyEnvironment()
	if err != nil {
		return err
	}
	for i, r := range doc.Rules {
		if strings.TrimSpace(r.Condition) == "" {
			return fmt.Errorf("config: rules[%d] (%s): empty condition", i, r.Name)
		}
		if _, err := env.Compile(r.Condition); err != nil {
			return fmt.Errorf("config: rules[%d] (%s): %w", i, r.Name, err)
		}
	}
	return nil
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: file %s: expected a file, found directory", path)
	}
	return nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension %s", ext)
	}
}
