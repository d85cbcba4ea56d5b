package tools

import (
	"encoding/json"
	"fmt"

	"github.com/chatwithoats/oats/store"
)

// ParamLocation is where a wire parameter travels in the HTTP request.
type ParamLocation string

const (
	InPath   ParamLocation = "path"
	InQuery  ParamLocation = "query"
	InHeader ParamLocation = "header"
	InBody   ParamLocation = "body"
)

// EndpointParam is one parameter as described by the imported document.
type EndpointParam struct {
	Name        string          `json:"name"`
	In          ParamLocation   `json:"in"`
	Description string          `json:"description,omitempty"`
	Required    bool            `json:"required,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// Binding is one parameter after policy resolution: where it goes on the
// wire and how its value is obtained.
type Binding struct {
	WireName    string
	ExposedName string // empty when the model never sees the parameter
	In          ParamLocation
	Required    bool
	Policy      ParamPolicy
	Value       any // fixed value for hidden-with-value policies
	Description string
	Schema      json.RawMessage
}

// endpointParams decodes the stored parameter list and flattens the request
// body schema's top-level properties into body parameters.
func endpointParams(req *store.ApiRequest) ([]EndpointParam, error) {
	var params []EndpointParam
	if len(req.Parameters) > 0 {
		if err := json.Unmarshal(req.Parameters, &params); err != nil {
			return nil, fmt.Errorf("decode endpoint parameters: %w", err)
		}
	}

	if len(req.RequestSchema) > 0 {
		var body struct {
			Properties map[string]json.RawMessage `json:"properties"`
			Required   []string                   `json:"required"`
		}
		if err := json.Unmarshal(req.RequestSchema, &body); err != nil {
			return nil, fmt.Errorf("decode request body schema: %w", err)
		}
		required := make(map[string]bool, len(body.Required))
		for _, name := range body.Required {
			required[name] = true
		}
		for name, schema := range body.Properties {
			params = append(params, EndpointParam{
				Name:     name,
				In:       InBody,
				Required: required[name],
				Schema:   schema,
			})
		}
	}

	return params, nil
}

// MapParameters applies resolved decisions to the endpoint's parameters.
// Every decision must refer to a parameter the document actually declares;
// a stale policy entry after a re-import is a configuration error, not
// something to guess around. Path parameters cannot be dropped: a skipped
// path parameter with no fixed value would leave a hole in the URL.
func MapParameters(params []EndpointParam, decisions map[string]Decision) ([]Binding, error) {
	known := make(map[string]bool, len(params))
	for _, p := range params {
		known[p.Name] = true
	}
	for name := range decisions {
		if !known[name] {
			return nil, fmt.Errorf("policy refers to unknown parameter %q", name)
		}
	}

	bindings := make([]Binding, 0, len(params))
	seen := make(map[string]string, len(params)) // exposed name -> wire name
	for _, p := range params {
		d := decisionFor(decisions, p.Name)

		switch p.In {
		case InPath, InQuery, InHeader, InBody:
		default:
			return nil, fmt.Errorf("parameter %q in unsupported location %q", p.Name, p.In)
		}
		if p.In == InPath && d.Policy == PolicySkipped {
			return nil, fmt.Errorf("path parameter %q cannot be skipped without a value", p.Name)
		}
		if d.Policy.Exposed() {
			if prior, dup := seen[d.ExposedName]; dup {
				return nil, fmt.Errorf("exposed name %q used by both %q and %q", d.ExposedName, prior, p.Name)
			}
			seen[d.ExposedName] = p.Name
		}

		bindings = append(bindings, Binding{
			WireName:    p.Name,
			ExposedName: d.ExposedName,
			In:          p.In,
			Required:    p.Required,
			Policy:      d.Policy,
			Value:       d.Value,
			Description: p.Description,
			Schema:      p.Schema,
		})
	}
	return bindings, nil
}
