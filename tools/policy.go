// Package tools turns stored tool definitions into model-facing schemas and
// executable endpoints. The compiler produces deterministic JSON schemas, the
// registry assembles them into per-chat snapshots, and the invoker executes
// endpoint-backed calls over HTTP.
package tools

import (
	"errors"
	"fmt"
	"reflect"
)

// ParamPolicy is the resolved exposure decision for one endpoint parameter.
type ParamPolicy int

const (
	// PolicyExposed offers the parameter to the model under its wire name.
	PolicyExposed ParamPolicy = iota
	// PolicyExposedRenamed offers the parameter under a different name and
	// translates it back before the request goes out.
	PolicyExposedRenamed
	// PolicySkipped hides the parameter and omits it from the request.
	PolicySkipped
	// PolicySkippedWithValue hides the parameter and sends a fixed value.
	PolicySkippedWithValue
	// PolicyConstant hides the parameter and sends a fixed value on every
	// call. Operationally identical to PolicySkippedWithValue; kept apart
	// so the source of the value stays visible in logs and tests.
	PolicyConstant
)

func (p ParamPolicy) String() string {
	switch p {
	case PolicyExposed:
		return "exposed"
	case PolicyExposedRenamed:
		return "exposed_renamed"
	case PolicySkipped:
		return "skipped"
	case PolicySkippedWithValue:
		return "skipped_with_value"
	case PolicyConstant:
		return "constant"
	default:
		return fmt.Sprintf("ParamPolicy(%d)", int(p))
	}
}

// Exposed reports whether the parameter appears in the model-facing schema.
func (p ParamPolicy) Exposed() bool {
	return p == PolicyExposed || p == PolicyExposedRenamed
}

// ErrPolicyConflict is returned when skip and constant rules disagree about
// the same parameter.
var ErrPolicyConflict = errors.New("conflicting parameter policy")

// Decision is the resolved policy for a single parameter.
type Decision struct {
	Policy      ParamPolicy
	ExposedName string // set when Policy.Exposed()
	Value       any    // set for PolicySkippedWithValue and PolicyConstant
}

// ResolvePolicies folds the three stored policy maps into one decision per
// parameter name. skip maps a name to an optional fixed value (nil means
// "omit entirely"), constants maps a name to the value injected on every
// call, and renames maps a wire name to the model-facing name.
//
// A name present in both skip (with a value) and constants resolves to
// PolicyConstant when the values are equal and fails with ErrPolicyConflict
// otherwise. A rename on a hidden parameter is ignored: the model never sees
// the name, so there is nothing to rename.
func ResolvePolicies(skip, constants map[string]any, renames map[string]any) (map[string]Decision, error) {
	decisions := make(map[string]Decision, len(skip)+len(constants)+len(renames))

	for name, value := range constants {
		decisions[name] = Decision{Policy: PolicyConstant, Value: value}
	}

	for name, value := range skip {
		if prior, ok := decisions[name]; ok {
			// Already constant. Equal values collapse to the constant.
			if value == nil || !reflect.DeepEqual(prior.Value, value) {
				return nil, fmt.Errorf("parameter %q: skip value and constant disagree: %w", name, ErrPolicyConflict)
			}
			continue
		}
		if value == nil {
			decisions[name] = Decision{Policy: PolicySkipped}
		} else {
			decisions[name] = Decision{Policy: PolicySkippedWithValue, Value: value}
		}
	}

	for name, renamed := range renames {
		alias, ok := renamed.(string)
		if !ok || alias == "" {
			return nil, fmt.Errorf("parameter %q: rename target must be a non-empty string, got %T", name, renamed)
		}
		if _, hidden := decisions[name]; hidden {
			continue
		}
		decisions[name] = Decision{Policy: PolicyExposedRenamed, ExposedName: alias}
	}

	return decisions, nil
}

// decisionFor returns the decision for a wire name, defaulting to exposed
// under the original name.
func decisionFor(decisions map[string]Decision, name string) Decision {
	if d, ok := decisions[name]; ok {
		if d.Policy == PolicyExposed || (d.Policy == PolicyExposedRenamed && d.ExposedName == "") {
			d.ExposedName = name
		}
		return d
	}
	return Decision{Policy: PolicyExposed, ExposedName: name}
}
