package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/nooterra/settle/pkg/kernelerr"
)

// CELEvaluator evaluates a WalletPolicy's optional CELExpression escape
// hatch: custom authorization rules beyond the fixed MaxGateAmountCents /
// AllowedReversalActions fields, for tenants whose policy needs a rule the
// fixed schema doesn't anticipate.
//
// Grounded on the teacher's governance.CELPolicyEvaluator: a shared cel.Env
// with a program cache keyed by expression text, so repeated evaluation of
// the same tenant's policy doesn't re-compile CEL on every gate.
type CELEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewCELEvaluator builds the evaluation environment exposed to wallet
// policy expressions: a "gate" dynamic map (amountCents, toolId, payerAgentId,
// payeeAgentId) and the current unix timestamp.
func NewCELEvaluator() (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("gate", cel.DynType),
		cel.Variable("timestamp", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: failed to build CEL environment: %w", err)
	}
	return &CELEvaluator{env: env, prgCache: make(map[string]cel.Program)}, nil
}

func (e *CELEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.prgCache[expr]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: CEL compile error: %w", issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: CEL program build error: %w", err)
	}

	e.mu.Lock()
	e.prgCache[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

// Evaluate runs expr against a gate's attributes, returning a Decision.
// A non-boolean result or an evaluation error fails closed.
func (e *CELEvaluator) Evaluate(expr string, gate map[string]interface{}, timestamp int64) (Decision, error) {
	prg, err := e.program(expr)
	if err != nil {
		return Decision{}, err
	}
	out, _, err := prg.Eval(map[string]interface{}{"gate": gate, "timestamp": timestamp})
	if err != nil {
		return Decision{Allowed: false, Code: kernelerr.CodeForbidden, Reason: "CEL policy evaluation error"}, nil
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return Decision{Allowed: false, Code: kernelerr.CodeForbidden, Reason: "CEL policy expression did not return a boolean"}, nil
	}
	if !allowed {
		return Decision{Allowed: false, Code: kernelerr.CodeForbidden, Reason: "custom wallet policy expression denied the gate"}, nil
	}
	return Decision{Allowed: true}, nil
}
