package llm

import (
	"fmt"
	"strings"

	"github.com/danshapiro/voicetest/internal/providerspec"
)

// ModelRef is a parsed backend selector of the form "provider/model". The model part
// may itself contain slashes ("openrouter/meta-llama/llama-3.1-70b").
type ModelRef struct {
	Provider string
	Model    string
}

func (r ModelRef) String() string {
	if r.Provider == "" {
		return r.Model
	}
	return r.Provider + "/" + r.Model
}

func (r ModelRef) IsZero() bool { return r.Provider == "" && r.Model == "" }

func ParseModelRef(s string) (ModelRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ModelRef{}, &ConfigurationError{Message: "empty model selector"}
	}
	prov, model, ok := strings.Cut(s, "/")
	prov = providerspec.CanonicalProviderKey(prov)
	model = strings.TrimSpace(model)
	if !ok || prov == "" || model == "" {
		return ModelRef{}, &ConfigurationError{Message: fmt.Sprintf("model selector %q must have the form provider/model", s)}
	}
	return ModelRef{Provider: prov, Model: model}, nil
}

// Apply fills Provider and Model on req.
func (r ModelRef) Apply(req Request) Request {
	req.Provider = r.Provider
	req.Model = r.Model
	return req
}
