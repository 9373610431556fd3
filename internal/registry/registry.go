// Package registry maps action identifiers to the feature module that owns them.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/avvvet/intent-router/internal/models"
)

var (
	ErrDuplicateDescriptor = errors.New("duplicate capability descriptor")
	ErrDescriptorNotFound  = errors.New("capability descriptor not found")
	ErrInvalidDescriptor   = errors.New("invalid capability descriptor")
)

// DuplicateDescriptorError names the collision that rejected a registration.
type DuplicateDescriptorError struct {
	DescriptorID string
	Action       string
	ExistingID   string
}

func (e *DuplicateDescriptorError) Error() string {
	if e.Action == "" {
		return fmt.Sprintf("descriptor %q is already registered", e.DescriptorID)
	}
	return fmt.Sprintf("descriptor %q claims action %q already owned by %q", e.DescriptorID, e.Action, e.ExistingID)
}

func (e *DuplicateDescriptorError) Unwrap() error { return ErrDuplicateDescriptor }

// Registry is safe for concurrent lookups. Lookups depend only on the
// current registration state.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
	actions     map[string]string
	order       []string
	logger      *zap.Logger
}

func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		descriptors: make(map[string]Descriptor),
		actions:     make(map[string]string),
		logger:      logger.Named("registry"),
	}
}

// Register adds a descriptor. It fails when the id or any action collides
// with an active descriptor; nothing is registered in that case.
func (r *Registry) Register(d Descriptor) error {
	if err := validate(d); err != nil {
		return err
	}
	d = d.clone()
	if d.DefaultConfirmation == "" {
		d.DefaultConfirmation = models.PolicyNone
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.descriptors[d.ID]; ok {
		return &DuplicateDescriptorError{DescriptorID: d.ID}
	}
	for _, action := range d.Actions {
		if owner, ok := r.actions[action]; ok {
			return &DuplicateDescriptorError{DescriptorID: d.ID, Action: action, ExistingID: owner}
		}
	}

	r.descriptors[d.ID] = d
	for _, action := range d.Actions {
		r.actions[action] = d.ID
	}
	r.order = append(r.order, d.ID)

	r.logger.Info("capability registered",
		zap.String("descriptor_id", d.ID),
		zap.String("version", d.Version),
		zap.Strings("actions", d.Actions),
		zap.String("confirmation", string(d.DefaultConfirmation)),
	)
	return nil
}

// Unregister removes a descriptor and frees its actions.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.descriptors[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDescriptorNotFound, id)
	}
	for _, action := range d.Actions {
		delete(r.actions, action)
	}
	delete(r.descriptors, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	r.logger.Info("capability unregistered",
		zap.String("descriptor_id", id),
		zap.Strings("actions", d.Actions),
	)
	return nil
}

// Resolve returns the descriptor owning action.
func (r *Registry) Resolve(action string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.actions[action]
	if !ok {
		return Descriptor{}, false
	}
	return r.descriptors[id].clone(), true
}

// List returns descriptors in registration order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.descriptors[id].clone())
	}
	return out
}

func validate(d Descriptor) error {
	if d.ID == "" {
		return fmt.Errorf("%w: descriptor id is required", ErrInvalidDescriptor)
	}
	if len(d.Actions) == 0 {
		return fmt.Errorf("%w: descriptor %q declares no actions", ErrInvalidDescriptor, d.ID)
	}
	if d.Handler == nil {
		return fmt.Errorf("%w: descriptor %q has no handler", ErrInvalidDescriptor, d.ID)
	}
	seen := make(map[string]bool, len(d.Actions))
	for _, action := range d.Actions {
		if action == "" {
			return fmt.Errorf("%w: descriptor %q has an empty action", ErrInvalidDescriptor, d.ID)
		}
		if seen[action] {
			return fmt.Errorf("%w: descriptor %q lists action %q twice", ErrInvalidDescriptor, d.ID, action)
		}
		seen[action] = true
	}
	for action := range d.Triggers {
		if !seen[action] {
			return fmt.Errorf("%w: descriptor %q has triggers for foreign action %q", ErrInvalidDescriptor, d.ID, action)
		}
	}
	switch d.DefaultConfirmation {
	case "", models.PolicyNone, models.PolicyConfirmPhrase, models.PolicyManifest:
	default:
		return fmt.Errorf("%w: descriptor %q has unknown confirmation policy %q", ErrInvalidDescriptor, d.ID, d.DefaultConfirmation)
	}
	return nil
}
