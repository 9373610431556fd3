package registry

import (
	"context"
	"strings"

	"github.com/avvvet/intent-router/internal/models"
)

// Result is what a feature handler reports back after executing an intent.
type Result struct {
	Message   string
	ResultRef string
	UndoToken string
}

// Handler executes a dispatched intent. Handlers belong to feature modules;
// the router never retries them.
type Handler interface {
	Execute(ctx context.Context, intent models.IntentPayload) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, intent models.IntentPayload) (Result, error)

func (f HandlerFunc) Execute(ctx context.Context, intent models.IntentPayload) (Result, error) {
	return f(ctx, intent)
}

// Validation is the outcome of a descriptor's validation callback.
type Validation struct {
	Valid   bool
	Missing []string
	Reason  string
}

// ValidateFunc checks an intent before confirmation. It must not do I/O.
type ValidateFunc func(intent models.IntentPayload) Validation

// ParamKind tells the parser how to extract a parameter from a clause.
type ParamKind string

const (
	ParamNumber ParamKind = "number"
	ParamChoice ParamKind = "choice"
	ParamFlag   ParamKind = "flag"
)

// ParamSpec describes one parameter an action accepts.
type ParamSpec struct {
	Name    string
	Kind    ParamKind
	Options []string
	Keyword string
	Default any
}

// Descriptor is the registration record a feature module contributes.
type Descriptor struct {
	ID                  string
	Version             string
	Actions             []string
	Triggers            map[string][]string
	Params              []ParamSpec
	RequiredParams      []string
	DefaultConfirmation models.ConfirmationPolicy
	TargetParam         string
	PhraseVerb          string
	Validate            ValidateFunc
	Handler             Handler
}

// Owns reports whether action belongs to the descriptor.
func (d Descriptor) Owns(action string) bool {
	for _, a := range d.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Param returns the spec for name.
func (d Descriptor) Param(name string) (ParamSpec, bool) {
	for _, p := range d.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}

// Missing lists required parameters that the intent does not carry.
func (d Descriptor) Missing(intent models.IntentPayload) []string {
	var missing []string
	for _, name := range d.RequiredParams {
		if !intent.Parameters.Has(name) && intent.Label(name) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// Verb returns the confirmation verb for an action, e.g. "DELETE" for profile.delete.
func (d Descriptor) Verb(action string) string {
	if d.PhraseVerb != "" {
		return d.PhraseVerb
	}
	if i := strings.LastIndex(action, "."); i >= 0 {
		action = action[i+1:]
	}
	return strings.ToUpper(action)
}

func (d Descriptor) clone() Descriptor {
	out := d
	out.Actions = append([]string(nil), d.Actions...)
	out.RequiredParams = append([]string(nil), d.RequiredParams...)
	out.Params = make([]ParamSpec, len(d.Params))
	for i, p := range d.Params {
		p.Options = append([]string(nil), p.Options...)
		out.Params[i] = p
	}
	out.Triggers = make(map[string][]string, len(d.Triggers))
	for action, keywords := range d.Triggers {
		out.Triggers[action] = append([]string(nil), keywords...)
	}
	return out
}
