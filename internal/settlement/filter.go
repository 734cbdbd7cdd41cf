package settlement

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/tern/internal/domain"
)

// BatchFilterEngine compiles and evaluates the optional CEL filter
// expressions dynamic matrices carry. Programs are compiled once per
// expression and cached.
type BatchFilterEngine struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program
}

// NewBatchFilterEngine creates the CEL environment with the batch attributes
// filters may reference.
func NewBatchFilterEngine() (*BatchFilterEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("batch_id", cel.StringType),
		cel.Variable("batch_name", cel.StringType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("model", cel.StringType),
		cel.Variable("state", cel.StringType),
		cel.Variable("sequence", cel.IntType),
		cel.Variable("timestamp", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &BatchFilterEngine{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Compile validates an expression and caches its program. The expression must
// evaluate to bool.
func (e *BatchFilterEngine) Compile(expr string) error {
	if expr == "" {
		return nil
	}

	e.mu.RLock()
	_, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidBatchFilter, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return fmt.Errorf("%w: expression must return bool, got %s", domain.ErrInvalidBatchFilter, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidBatchFilter, err)
	}

	e.mu.Lock()
	e.programs[expr] = program
	e.mu.Unlock()

	return nil
}

// Match evaluates an expression against a batch. An empty expression matches
// everything.
func (e *BatchFilterEngine) Match(expr string, batch *domain.SettlementBatch) (bool, error) {
	if expr == "" {
		return true, nil
	}

	e.mu.RLock()
	program, ok := e.programs[expr]
	e.mu.RUnlock()

	if !ok {
		if err := e.Compile(expr); err != nil {
			return false, err
		}
		e.mu.RLock()
		program = e.programs[expr]
		e.mu.RUnlock()
	}

	out, _, err := program.Eval(map[string]any{
		"batch_id":   batch.ID,
		"batch_name": batch.BatchName,
		"currency":   batch.CurrencyCode,
		"model":      batch.SettlementModel,
		"state":      string(batch.State),
		"sequence":   int64(batch.BatchSequence),
		"timestamp":  batch.Timestamp,
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrInvalidBatchFilter, err)
	}

	matched, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("%w: expression did not return bool", domain.ErrInvalidBatchFilter)
	}
	return bool(matched), nil
}
