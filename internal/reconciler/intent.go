package reconciler

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/aristath/nextaction/internal/domain"
	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

// IntentPolicy decides whether a draft covers the same intent as an existing action
type IntentPolicy interface {
	SameIntent(existing domain.ProposedAction, draft domain.Draft) (bool, error)
}

// TypePolicy treats two actions of the same type as the same intent
type TypePolicy struct{}

// SameIntent implements IntentPolicy
func (TypePolicy) SameIntent(existing domain.ProposedAction, draft domain.Draft) (bool, error) {
	return existing.Type == draft.Type, nil
}

// PolicyFile is the YAML layout of an intent policy file:
//
//	default: existing.type == draft.type
//	types:
//	  EMAIL: >
//	    existing.type == draft.type &&
//	    (!has(existing.details.threadId) || !has(draft.details.threadId) ||
//	     existing.details.threadId == draft.details.threadId)
type PolicyFile struct {
	Default string            `yaml:"default"`
	Types   map[string]string `yaml:"types"`
}

const defaultIntentExpr = `existing.type == draft.type`

// CELPolicy evaluates CEL expressions over `existing` and `draft`, each a map
// with `type`, `status` (existing only) and `details`. The expression for the
// draft's type is used, falling back to the default expression.
type CELPolicy struct {
	fallback cel.Program
	byType   map[domain.ActionType]cel.Program
}

// NewCELPolicy compiles every expression of file
func NewCELPolicy(file PolicyFile) (*CELPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("existing", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("draft", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	if file.Default == "" {
		file.Default = defaultIntentExpr
	}
	p := &CELPolicy{byType: make(map[domain.ActionType]cel.Program)}
	if p.fallback, err = compileIntent(env, file.Default); err != nil {
		return nil, fmt.Errorf("default intent expression: %w", err)
	}
	for name, expr := range file.Types {
		t := domain.ActionType(name)
		if !t.Valid() {
			return nil, fmt.Errorf("%w: %s in intent policy", domain.ErrUnknownActionType, name)
		}
		prg, err := compileIntent(env, expr)
		if err != nil {
			return nil, fmt.Errorf("intent expression for %s: %w", name, err)
		}
		p.byType[t] = prg
	}
	return p, nil
}

// LoadPolicy returns the policy configured in path, or TypePolicy when path is empty
func LoadPolicy(path string) (IntentPolicy, error) {
	if path == "" {
		return TypePolicy{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read intent policy: %w", err)
	}
	var file PolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse intent policy %s: %w", path, err)
	}
	return NewCELPolicy(file)
}

func compileIntent(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast, cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	return prg, nil
}

// SameIntent implements IntentPolicy
func (p *CELPolicy) SameIntent(existing domain.ProposedAction, draft domain.Draft) (bool, error) {
	prg, ok := p.byType[draft.Type]
	if !ok {
		prg = p.fallback
	}

	existingDetails, err := detailsMap(existing.Details)
	if err != nil {
		return false, err
	}
	draftDetails, err := rawMap(draft.Details)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{
		"existing": map[string]any{
			"type":    string(existing.Type),
			"status":  string(existing.Status),
			"details": existingDetails,
		},
		"draft": map[string]any{
			"type":    string(draft.Type),
			"details": draftDetails,
		},
	})
	if err != nil {
		return false, fmt.Errorf("eval intent: %w", err)
	}
	match, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("intent expression returned %T", out.Value())
	}
	return match, nil
}

func detailsMap(d domain.Details) (map[string]any, error) {
	if d == nil {
		return map[string]any{}, nil
	}
	raw, err := domain.EncodeDetails(d)
	if err != nil {
		return nil, err
	}
	return rawMap(raw)
}

func rawMap(raw json.RawMessage) (map[string]any, error) {
	out := map[string]any{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode details: %w", err)
	}
	return out, nil
}
