// Package triggers evaluates success thresholds and rollback triggers against
// observed metric snapshots.
package triggers

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/memorymonster/platform/rollout/internal/models"
)

var metricName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate rejects conditions that cannot be compiled into a comparison.
func Validate(c models.Condition) error {
	if !metricName.MatchString(c.Metric) {
		return fmt.Errorf("invalid metric name %q", c.Metric)
	}
	switch c.Operator {
	case ">", ">=", "<", "<=", "==", "!=":
	default:
		return fmt.Errorf("invalid operator %q", c.Operator)
	}
	return nil
}

// Evaluator compiles condition expressions once and caches the programs.
type Evaluator struct {
	mu       sync.Mutex
	programs map[string]*vm.Program
}

func NewEvaluator() *Evaluator {
	return &Evaluator{programs: map[string]*vm.Program{}}
}

func (e *Evaluator) program(c models.Condition) (*vm.Program, error) {
	if err := Validate(c); err != nil {
		return nil, err
	}
	code := c.Expression()
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.programs[code]; ok {
		return p, nil
	}
	p, err := expr.Compile(code, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", code, err)
	}
	e.programs[code] = p
	return p, nil
}

// Holds reports whether c is satisfied by values. A metric absent from values
// never satisfies a condition.
func (e *Evaluator) Holds(c models.Condition, values map[string]float64) (bool, error) {
	if _, ok := values[c.Metric]; !ok {
		return false, nil
	}
	p, err := e.program(c)
	if err != nil {
		return false, err
	}
	env := make(map[string]interface{}, len(values))
	for k, v := range values {
		env[k] = v
	}
	out, err := expr.Run(p, env)
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", c.Expression(), err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

// Fired returns the first rollback trigger satisfied by snapshot. Conditions
// that fail to evaluate are reported in errs and treated as not fired.
func (e *Evaluator) Fired(triggers []models.Condition, snapshot *models.MetricSnapshot) (fired *models.Condition, errs []error) {
	if snapshot == nil {
		return nil, nil
	}
	for i := range triggers {
		ok, err := e.Holds(triggers[i], snapshot.Values)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			c := triggers[i]
			return &c, errs
		}
	}
	return nil, errs
}

// Passing reports whether every success threshold holds for snapshot.
// A missing snapshot never passes.
func (e *Evaluator) Passing(thresholds []models.Condition, snapshot *models.MetricSnapshot) (bool, []models.Condition) {
	if snapshot == nil {
		return false, thresholds
	}
	var failing []models.Condition
	for _, c := range thresholds {
		ok, err := e.Holds(c, snapshot.Values)
		if err != nil || !ok {
			failing = append(failing, c)
		}
	}
	return len(failing) == 0, failing
}
