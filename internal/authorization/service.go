package authorization

import (
	"context"
	"errors"
)

type Service interface {
	// Authorize reports nil when actor may perform action on object.
	// Actors are "system" or "operator:<name>".
	Authorize(ctx context.Context, actor, object, action string) error
	// AssignRole binds an operator to a role, replacing any previous role.
	AssignRole(ctx context.Context, operator, role string) error
	RoleOf(operator string) (string, error)
}

var (
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
	ErrUnknownRole   = errors.New("unknown_role")
	ErrForbidden     = errors.New("forbidden")
)
