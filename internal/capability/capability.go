// Package capability is the boundary to the teams and services that do the
// actual work (ideation, creative, experiments, modelling). The orchestrator
// only sees typed, validated outputs.
package capability

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/validation-cli/internal/model"
)

// Name identifies a capability.
type Name string

const (
	Ideation    Name = "ideation"
	Creative    Name = "creative"
	Experiment  Name = "experiment"
	Feasibility Name = "feasibility"
	Financials  Name = "financials"
	Pivot       Name = "pivot"
	Scope       Name = "scope"
	Governance  Name = "governance"
)

// All lists every capability.
func All() []Name {
	return []Name{Ideation, Creative, Experiment, Feasibility, Financials, Pivot, Scope, Governance}
}

var (
	// ErrUnsupported is returned when no provider serves a capability.
	ErrUnsupported = eris.New("capability: unsupported")
	// ErrInvalidOutput is returned when an output does not match its schema.
	ErrInvalidOutput = eris.New("capability: output failed validation")
)

// Request is one capability invocation.
type Request struct {
	RunID      string         `json:"run_id"`
	Phase      model.Phase    `json:"phase"`
	Capability Name           `json:"capability"`
	Inputs     map[string]any `json:"inputs,omitempty"`
}

// Response carries the raw output and what the call cost.
type Response struct {
	Capability Name            `json:"capability"`
	Output     json.RawMessage `json:"output"`
	Cost       float64         `json:"cost"`
}

// Provider invokes capabilities.
type Provider interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// Supporter is implemented by providers that know which capabilities they
// serve.
type Supporter interface {
	Has(c Name) bool
}

// Supports reports whether p declares support for c. Providers that cannot
// tell are treated as not serving optional capabilities.
func Supports(p Provider, c Name) bool {
	s, ok := p.(Supporter)
	return ok && s.Has(c)
}

// Output is implemented by every declared output schema.
type Output interface {
	Validate() error
}

// Call invokes req on p and decodes the response into T. An output that
// does not decode or validate is reported as ErrInvalidOutput.
func Call[T Output](ctx context.Context, p Provider, req Request) (T, *Response, error) {
	var out T
	resp, err := p.Invoke(ctx, req)
	if err != nil {
		return out, nil, err
	}
	if resp == nil {
		return out, nil, eris.Wrapf(ErrInvalidOutput, "%s: empty response", req.Capability)
	}
	if err := json.Unmarshal(resp.Output, &out); err != nil {
		return out, resp, eris.Wrapf(ErrInvalidOutput, "%s: decode: %v", req.Capability, err)
	}
	if err := out.Validate(); err != nil {
		return out, resp, eris.Wrapf(ErrInvalidOutput, "%s: %v", req.Capability, err)
	}
	return out, resp, nil
}

// FuncProvider adapts a function to Provider.
type FuncProvider func(ctx context.Context, req Request) (*Response, error)

// Invoke calls f.
func (f FuncProvider) Invoke(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// JSONResponse marshals v into a Response for capability c.
func JSONResponse(c Name, v any, cost float64) (*Response, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrapf(err, "capability: marshal %s output", c)
	}
	return &Response{Capability: c, Output: data, Cost: cost}, nil
}
