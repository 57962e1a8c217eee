package service

import (
	"context"
	"slices"

	"card-grading-service/internal/model"
)

type Action string

const (
	ActionAccept          Action = "accept"
	ActionReject          Action = "reject"
	ActionStartGrading    Action = "start_grading"
	ActionCompleteGrading Action = "complete_grading"
)

const (
	RoleAdmin  = "admin"
	RoleGrader = "grader"
	// RoleCheckout is the checkout service that reports confirmed payments.
	RoleCheckout = "checkout"
)

// Authorizer answers whether actor may perform action. Authentication
// happens upstream; this only sees the resolved identity.
type Authorizer interface {
	Authorize(ctx context.Context, actor model.Actor, action Action) bool
}

// RoleAuthorizer lets admins do everything and graders work the bench.
type RoleAuthorizer struct{}

var roleActions = map[string][]Action{
	RoleAdmin:  {ActionAccept, ActionReject, ActionStartGrading, ActionCompleteGrading},
	RoleGrader: {ActionStartGrading, ActionCompleteGrading},
}

func (RoleAuthorizer) Authorize(_ context.Context, actor model.Actor, action Action) bool {
	if actor.ID == "" {
		return false
	}
	return slices.Contains(roleActions[actor.Role], action)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, actor model.Actor, action Action) bool

func (f AuthorizerFunc) Authorize(ctx context.Context, actor model.Actor, action Action) bool {
	return f(ctx, actor, action)
}
