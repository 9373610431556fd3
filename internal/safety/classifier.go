// Package safety decides which gate an intent must pass before dispatch.
package safety

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/avvvet/intent-router/internal/models"
	"github.com/avvvet/intent-router/internal/registry"
)

// DefaultThreshold is the confidence below which an intent needs clarification.
const DefaultThreshold = 0.80

var ErrUnknownAction = errors.New("no capability registered for action")

// Resolver looks up the descriptor owning an action.
type Resolver interface {
	Resolve(action string) (registry.Descriptor, bool)
}

// ConsentSource lists the consent manifests that currently authorize a
// remote action in a workspace.
type ConsentSource interface {
	ActiveManifests(ctx context.Context, workspaceID, action string) ([]string, error)
}

// Decision is the classifier's verdict for one intent.
type Decision struct {
	Class              models.SafetyClass
	Policy             models.ConfirmationPolicy
	ConfirmPhrase      string
	ConsentManifestIDs []string
	// LowConfidence is set when the parser's confidence is under the threshold.
	LowConfidence bool
	// ReasonCode is set when the intent can never be confirmed.
	ReasonCode string
	Reason     string
}

// RequiresConfirmation reports whether a ticket is needed.
func (d Decision) RequiresConfirmation() bool {
	return d.Policy != models.PolicyNone && d.ReasonCode == ""
}

// Unconfirmable reports whether the intent must fail without reaching a handler.
func (d Decision) Unconfirmable() bool {
	return d.ReasonCode != ""
}

// Classifier is safe for concurrent use.
type Classifier struct {
	resolver      Resolver
	consent       ConsentSource
	remoteEnabled bool
	threshold     float64
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithRemoteEnabled toggles remote dispatch.
func WithRemoteEnabled(enabled bool) Option {
	return func(c *Classifier) { c.remoteEnabled = enabled }
}

// WithThreshold sets the clarification threshold.
func WithThreshold(threshold float64) Option {
	return func(c *Classifier) {
		if threshold > 0 && threshold <= 1 {
			c.threshold = threshold
		}
	}
}

// WithConsent sets the consent manifest source.
func WithConsent(source ConsentSource) Option {
	return func(c *Classifier) { c.consent = source }
}

func New(resolver Resolver, opts ...Option) *Classifier {
	c := &Classifier{resolver: resolver, threshold: DefaultThreshold}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Threshold returns the configured clarification threshold.
func (c *Classifier) Threshold() float64 {
	return c.threshold
}

// Classify assigns the intent's safety class and computes the gate it needs.
func (c *Classifier) Classify(ctx context.Context, intent *models.IntentPayload) (Decision, error) {
	d, ok := c.resolver.Resolve(intent.Action)
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownAction, intent.Action)
	}

	policy := d.DefaultConfirmation
	if policy == "" {
		policy = models.PolicyNone
	}
	decision := Decision{
		Class:         policy.SafetyClass(),
		Policy:        policy,
		LowConfidence: intent.Confidence < c.threshold,
	}
	if err := intent.AssignSafety(decision.Class); err != nil {
		return Decision{}, err
	}

	switch decision.Class {
	case models.SafetyDestructive:
		decision.ConfirmPhrase = DestructivePhrase(d.Verb(intent.Action), intent.Label(d.TargetParam))
	case models.SafetyRemote:
		decision.ConfirmPhrase = RemotePhrase(intent.Action)
		if !c.remoteEnabled {
			decision.ReasonCode = models.ReasonRemoteDisabled
			decision.Reason = fmt.Sprintf("Remote operations are disabled, so `%s` was not run.", intent.Action)
			return decision, nil
		}
		var ids []string
		if c.consent != nil {
			var err error
			ids, err = c.consent.ActiveManifests(ctx, intent.WorkspaceID, intent.Action)
			if err != nil {
				return Decision{}, fmt.Errorf("failed to resolve consent manifests: %w", err)
			}
		}
		if len(ids) == 0 {
			decision.ReasonCode = models.ReasonConsentMissing
			decision.Reason = fmt.Sprintf("No approved consent manifest covers `%s`.", intent.Action)
			return decision, nil
		}
		decision.ConsentManifestIDs = ids
	}
	return decision, nil
}

// DestructivePhrase builds the literal a user must echo, e.g. "DELETE writing".
func DestructivePhrase(verb, label string) string {
	return strings.TrimSpace(verb + " " + label)
}

// RemotePhrase builds the literal for remote actions, e.g. "ALLOW profile.remote_infer".
func RemotePhrase(action string) string {
	return "ALLOW " + action
}
