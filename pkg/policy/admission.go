package policy

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoria/pkg/model"
	"github.com/m-mizutani/memoria/pkg/utils/logging"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/topdown/print"
)

// Admission decides whether an oracle-proposed memory may be stored.
// A nil *Admission admits everything.
type Admission struct {
	query *rego.PreparedEvalQuery
}

// Decision is the result of evaluating one memory
type Decision struct {
	Admitted bool
	Reasons  []string
}

type printHook struct {
	ctx context.Context
}

func (h *printHook) Print(_ print.Context, message string) error {
	logging.From(h.ctx).Debug("rego print", "message", message)
	return nil
}

// Load prepares the admission policy from the .rego files in dir.
// It returns nil when dir is empty or holds no policy files.
func Load(ctx context.Context, dir string) (*Admission, error) {
	if dir == "" {
		return nil, nil
	}

	modules, err := loadModules(dir)
	if err != nil {
		return nil, err
	}
	if len(modules) == 0 {
		return nil, nil
	}

	query, err := prepareQuery(ctx, modules, admissionQuery)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare admission query", goerr.V("dir", dir))
	}
	return &Admission{query: query}, nil
}

// Evaluate runs the deny rules against memory. Every deny message becomes a reason.
func (a *Admission) Evaluate(ctx context.Context, memory model.Memory) (*Decision, error) {
	if a == nil {
		return &Decision{Admitted: true}, nil
	}

	input := map[string]any{
		"memory": map[string]any{
			"name":         memory.Name,
			"abstract":     memory.Abstract,
			"memory_block": memory.MemoryBlock,
		},
	}

	rs, err := a.query.Eval(ctx, rego.EvalInput(input), rego.EvalPrintHook(&printHook{ctx: ctx}))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to evaluate admission policy", goerr.V("name", memory.Name))
	}

	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return &Decision{Admitted: true}, nil
	}

	data, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return &Decision{Admitted: true}, nil
	}
	denies, ok := data["deny"].([]any)
	if !ok || len(denies) == 0 {
		return &Decision{Admitted: true}, nil
	}

	decision := &Decision{Admitted: false}
	for _, d := range denies {
		if s, ok := d.(string); ok {
			decision.Reasons = append(decision.Reasons, s)
		} else {
			decision.Reasons = append(decision.Reasons, fmt.Sprint(d))
		}
	}
	return decision, nil
}
