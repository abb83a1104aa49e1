package rbac

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRoleTemplate marks a cyclic, broken or malformed template chain
	ErrInvalidRoleTemplate = errors.New("invalid role template")
	// ErrAmbiguousAssignment is returned when two assignments share a priority
	ErrAmbiguousAssignment = errors.New("ambiguous role assignment: equal priority")
	// ErrAccessDenied is the only error callers see for a denied request
	ErrAccessDenied     = errors.New("access denied")
	ErrTemplateNotFound = errors.New("role template not found")
	ErrTemplateInUse    = errors.New("role template is in use")
	ErrGrantNotFound    = errors.New("permission grant not found")
	ErrInactiveTemplate = errors.New("role template is inactive")
	ErrInvalidGrant     = errors.New("invalid permission grant")
)

// TemplateChainError describes why a template chain failed validation.
// It matches ErrInvalidRoleTemplate under errors.Is.
type TemplateChainError struct {
	TemplateID string
	Reason     string
}

func (e *TemplateChainError) Error() string {
	return fmt.Sprintf("invalid role template %s: %s", e.TemplateID, e.Reason)
}

func (e *TemplateChainError) Is(target error) bool {
	return target == ErrInvalidRoleTemplate
}
