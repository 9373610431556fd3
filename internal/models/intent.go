package models

import (
	"errors"
	"fmt"
	"time"
)

// IntentSchemaVersion is stamped on every parsed intent.
const IntentSchemaVersion = "1.0.0"

// SafetyClass determines whether an intent needs a gate before dispatch.
type SafetyClass string

const (
	SafetyUnassigned  SafetyClass = ""
	SafetyHarmless    SafetyClass = "harmless"
	SafetyDestructive SafetyClass = "destructive"
	SafetyRemote      SafetyClass = "remote"
)

// ConfirmationPolicy is the default gate a capability declares.
type ConfirmationPolicy string

const (
	PolicyNone          ConfirmationPolicy = "none"
	PolicyConfirmPhrase ConfirmationPolicy = "confirm_phrase"
	PolicyManifest      ConfirmationPolicy = "manifest"
)

// SafetyClass maps a policy onto the class it implies.
func (p ConfirmationPolicy) SafetyClass() SafetyClass {
	switch p {
	case PolicyConfirmPhrase:
		return SafetyDestructive
	case PolicyManifest:
		return SafetyRemote
	default:
		return SafetyHarmless
	}
}

// ErrSafetyAssigned is returned when a second, different safety class is assigned.
var ErrSafetyAssigned = errors.New("safety class already assigned")

// IntentPayload is one parsed fragment of an utterance.
//
// Confidence and SafetyClass are write-once: the parser sets Confidence and
// the safety classifier sets SafetyClass through AssignSafety. Retrying an
// intent means a fresh payload with a new IntentID.
type IntentPayload struct {
	IntentID      string         `json:"intent_id"`
	SchemaVersion string         `json:"schema_version"`
	Action        string         `json:"action"`
	Target        map[string]any `json:"target,omitempty"`
	Parameters    Parameters     `json:"parameters"`
	Confidence    float64        `json:"confidence"`
	SafetyClass   SafetyClass    `json:"safety_class"`
	ChatTurnID    string         `json:"chat_turn_id"`
	WorkspaceID   string         `json:"workspace_id"`
	Position      int            `json:"position"`
	Segment       string         `json:"segment,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// AssignSafety sets the safety class once.
func (p *IntentPayload) AssignSafety(class SafetyClass) error {
	if p.SafetyClass == SafetyUnassigned || p.SafetyClass == class {
		p.SafetyClass = class
		return nil
	}
	return fmt.Errorf("%w: intent %s is %s, refusing %s", ErrSafetyAssigned, p.IntentID, p.SafetyClass, class)
}

// Label returns the string value of key from the parameters, falling back to the target.
func (p *IntentPayload) Label(key string) string {
	if key == "" {
		return ""
	}
	if v, ok := p.Parameters.String(key); ok && v != "" {
		return v
	}
	if v, ok := p.Target[key].(string); ok {
		return v
	}
	return ""
}

// ClampConfidence bounds a confidence score to [0, 1].
func ClampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

// TicketStatus is the lifecycle of a confirmation ticket.
type TicketStatus string

const (
	TicketPending  TicketStatus = "pending"
	TicketApproved TicketStatus = "approved"
	TicketDenied   TicketStatus = "denied"
	TicketExpired  TicketStatus = "expired"
)

// ConfirmationTicket is a pending approval request tied to exactly one intent.
type ConfirmationTicket struct {
	TicketID           string       `json:"ticket_id"`
	IntentID           string       `json:"intent_id"`
	WorkspaceID        string       `json:"workspace_id"`
	ChatTurnID         string       `json:"chat_turn_id"`
	Action             string       `json:"action"`
	SafetyClass        SafetyClass  `json:"safety_class"`
	PromptText         string       `json:"prompt_text"`
	ConfirmPhrase      string       `json:"confirm_phrase"`
	ConsentManifestIDs []string     `json:"consent_manifest_ids"`
	Status             TicketStatus `json:"status"`
	CreatedAt          time.Time    `json:"created_at"`
	ExpiresAt          time.Time    `json:"expires_at"`
	ResolvedAt         *time.Time   `json:"resolved_at,omitempty"`
}

// IsExpired reports whether a pending ticket is past its deadline at now.
func (t *ConfirmationTicket) IsExpired(now time.Time) bool {
	return t.Status == TicketPending && !now.Before(t.ExpiresAt)
}

// View converts the ticket into its outbound shape.
func (t *ConfirmationTicket) View() TicketView {
	ids := t.ConsentManifestIDs
	if ids == nil {
		ids = []string{}
	}
	return TicketView{
		TicketID:           t.TicketID,
		Prompt:             t.PromptText,
		ConfirmPhrase:      t.ConfirmPhrase,
		SafetyClass:        t.SafetyClass,
		ExpiresAt:          t.ExpiresAt,
		ConsentManifestIDs: ids,
	}
}
