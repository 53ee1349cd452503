package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/isogrpd/pkg/engine"
)

// Engine evaluates Rego policies against isolation group definitions.
// It implements engine.Admission.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
	builtin  []Policy
}

// compiledPolicy is a policy with its deny query prepared for evaluation.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

var _ engine.Admission = (*Engine)(nil)

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		builtin:  GetBuiltinPolicies(),
	}

	policies, err := e.compileAll(context.Background(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	e.policies = policies

	e.logger.Debug().Int("count", len(e.builtin)).Msg("Built-in policies loaded")
	return e, nil
}

// Admit evaluates req and rejects it with StatusInvalidParam when a blocking
// violation is found. Warnings are logged.
func (e *Engine) Admit(ctx context.Context, req engine.AdmissionRequest) error {
	result, err := e.Evaluate(ctx, NewInput(req))
	if err != nil {
		return engine.NewFailError("policy evaluation failed", err)
	}

	for _, w := range result.Warnings {
		e.logger.Warn().
			Str("group", req.Name).
			Str("policy", w.Policy).
			Str("port", w.Port).
			Msg(w.Message)
	}

	if result.Allowed {
		return nil
	}

	msgs := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return engine.NewInvalidParamError("denied by policy "+strings.Join(msgs, "; "), nil)
}

// NewInput converts an admission request into the policy input document.
func NewInput(req engine.AdmissionRequest) *Input {
	input := &Input{
		Operation: OperationCreate,
		Group: GroupInput{
			Name:        req.Name,
			Type:        string(req.Type),
			Description: req.Description,
			Members:     nonNil(req.Members),
			BindPorts:   nonNil(req.BindPorts),
		},
		Timestamp: time.Now(),
	}

	if snap := req.Existing; snap != nil {
		input.Operation = OperationUpdate
		members := make([]string, 0, len(snap.Members)+len(snap.PendingMembers))
		for _, m := range snap.Members {
			members = append(members, m.Port)
		}
		members = append(members, snap.PendingMembers...)
		sort.Strings(members)

		bind := append(append([]string{}, snap.BindPorts...), snap.PendingBindPorts...)
		sort.Strings(bind)

		input.Existing = &GroupInput{
			Name:        snap.Name,
			Type:        string(snap.Type),
			Description: snap.Description,
			Members:     members,
			BindPorts:   bind,
		}
	}

	return input
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Evaluate evaluates every enabled policy against input. A policy that fails
// to evaluate is reported in Result.Errors and does not block.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Result, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{
		Allowed:           true,
		EvaluatedPolicies: make([]string, 0, len(e.policies)),
	}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("group", input.Group.Name).
				Msg("Policy evaluation failed")
			result.Errors = append(result.Errors, fmt.Sprintf("policy %s evaluation failed: %v", name, err))
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(startTime)

	e.logger.Debug().
		Str("group", input.Group.Name).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Policy evaluation completed")

	return result, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		// Partial set rules evaluate to an array.
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d, input))
		}
	}

	sort.Slice(violations, func(i, j int) bool {
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

// createViolation builds a Violation from one element of a deny set. Elements
// are either plain messages or objects with message, severity and port keys.
func createViolation(policy *Policy, result interface{}, input *Input) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Group:    input.Group.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if port, ok := v["port"].(string); ok {
			violation.Port = port
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compile parses a policy and prepares its deny query.
func compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query := module.Package.Path.String() + ".deny"
	prepared, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   policy,
		query:    prepared,
		compiled: time.Now(),
	}, nil
}

// compileAll compiles the built-in policies followed by extra. A loaded policy
// replaces a built-in policy of the same name. Nothing is installed unless
// every policy compiles.
func (e *Engine) compileAll(ctx context.Context, extra []Policy) (map[string]*compiledPolicy, error) {
	all := make([]Policy, 0, len(e.builtin)+len(extra))
	all = append(all, e.builtin...)
	all = append(all, extra...)

	compiled := make(map[string]*compiledPolicy, len(all))
	for i := range all {
		p := all[i]
		if p.Severity == "" {
			p.Severity = SeverityWarning
		}
		cp, err := compile(ctx, &p)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}
	return compiled, nil
}

// LoadPolicies loads policy files from paths and installs them alongside the
// built-in policies, replacing any previously loaded ones. Built-in policies
// keep the enabled state set with EnablePolicy and DisablePolicy.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.SetPolicies(ctx, policies)
}

// SetPolicies installs policies alongside the built-in ones.
func (e *Engine) SetPolicies(ctx context.Context, policies []Policy) error {
	compiled, err := e.compileAll(ctx, policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name, cp := range compiled {
		if old, ok := e.policies[name]; ok && old.policy.Builtin && cp.policy.Builtin {
			cp.policy.Enabled = old.policy.Enabled
		}
	}
	e.policies = compiled

	e.logger.Info().
		Int("loaded", len(policies)).
		Int("total", len(compiled)).
		Msg("Policies loaded successfully")

	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")

	return nil
}

// sortedNames must be called with e.mu held.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
