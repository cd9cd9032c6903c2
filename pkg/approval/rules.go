package approval

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

// Condition compares one action field with a constant. Field "amount" is
// the action's magnitude; any other name reads the action payload.
type Condition struct {
	Field    string  `yaml:"field" json:"field"`
	Operator string  `yaml:"operator" json:"operator"`
	Value    float64 `yaml:"value" json:"value"`
}

var operators = map[string]bool{">": true, ">=": true, "<": true, "<=": true, "==": true, "!=": true}

// Rule gates actions on one entity type. Expression, when set, is a CEL
// expression over amount, type and action and replaces Condition.
type Rule struct {
	ID          string     `yaml:"id" json:"id"`
	EntityType  string     `yaml:"entity_type" json:"entity_type"`
	ActionType  ActionType `yaml:"action_type,omitempty" json:"action_type,omitempty"`
	Condition   Condition  `yaml:"condition" json:"condition"`
	Expression  string     `yaml:"expression,omitempty" json:"expression,omitempty"`
	RequiresTwo bool       `yaml:"requires_two" json:"requires_two"`
	AutoApprove bool       `yaml:"auto_approve" json:"auto_approve"`
	Priority    int        `yaml:"priority" json:"priority"`
	Disabled    bool       `yaml:"disabled" json:"disabled"`
}

// CEL returns the expression the rule evaluates.
func (r Rule) CEL() (string, error) {
	if r.Expression != "" {
		return r.Expression, nil
	}
	c := r.Condition
	if !operators[c.Operator] {
		return "", fmt.Errorf("approval: rule %s: unsupported operator %q", r.ID, c.Operator)
	}
	operand := "amount"
	if c.Field != "" && c.Field != "amount" {
		if strings.ContainsAny(c.Field, " .()[]\"'") {
			return "", fmt.Errorf("approval: rule %s: invalid field %q", r.ID, c.Field)
		}
		operand = "double(action." + c.Field + ")"
	}
	return fmt.Sprintf("%s %s %s", operand, c.Operator, doubleLiteral(c.Value)), nil
}

func doubleLiteral(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// RuleSet is the rules file.
type RuleSet struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules parses a YAML rules document.
func LoadRules(r io.Reader) ([]Rule, error) {
	var rs RuleSet
	if err := yaml.NewDecoder(r).Decode(&rs); err != nil && err != io.EOF {
		return nil, fmt.Errorf("approval: parse rules: %w", err)
	}
	return rs.Rules, nil
}

// DefaultRules gate large refunds and withdrawals.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "refund-large", EntityType: "order", ActionType: ActionRefund, Condition: Condition{Field: "amount", Operator: ">", Value: 5000}, RequiresTwo: true, Priority: 20},
		{ID: "refund", EntityType: "order", ActionType: ActionRefund, Condition: Condition{Field: "amount", Operator: ">", Value: 500}, Priority: 10},
		{ID: "price-override", EntityType: "variant", ActionType: ActionPriceOverride, Condition: Condition{Field: "amount", Operator: ">=", Value: 100}, Priority: 10},
		{ID: "inventory-adjust", EntityType: "inventory", ActionType: ActionInventoryAdjust, Condition: Condition{Field: "amount", Operator: ">=", Value: 50}, AutoApprove: true, Priority: 10},
		{ID: "capital-withdrawal", EntityType: "capital", ActionType: ActionCapitalWithdrawal, Condition: Condition{Field: "amount", Operator: ">", Value: 0}, RequiresTwo: true, Priority: 10},
	}
}

// evaluator compiles CEL programs once per expression.
type evaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newEvaluator() (*evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("type", cel.StringType),
		cel.Variable("action", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("approval: cel env: %w", err)
	}
	return &evaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

func (e *evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.cache[expr]; ok {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	e.cache[expr] = prg
	return prg, nil
}

func (e *evaluator) eval(expr string, input map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", expr, err)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("eval %q: result is not a bool", expr)
	}
	return v, nil
}

// sortRules orders rules by descending priority, keeping file order on ties.
func sortRules(rules []Rule) []Rule {
	out := append([]Rule(nil), rules...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}
