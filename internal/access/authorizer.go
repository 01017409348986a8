package access

import (
	"context"

	"factoryauth.org/internal/audit"
	"factoryauth.org/internal/obs"
)

// Authorizer wraps a Resolver and records every decision.
type Authorizer struct {
	resolver *Resolver
	deps
}

// NewAuthorizer constructs Authorizer.
func NewAuthorizer(resolver *Resolver, opts ...Option) *Authorizer {
	return &Authorizer{resolver: resolver, deps: buildDeps(opts)}
}

// Resolver exposes the underlying resolver.
func (a *Authorizer) Resolver() *Resolver { return a.resolver }

// Authorize resolves req and audits the decision.
func (a *Authorizer) Authorize(ctx context.Context, actor Actor, req Request) (Result, error) {
	res, err := a.resolver.Resolve(ctx, actor, req)
	if err != nil {
		a.recordError(ctx, actor, req.Resource, err)
		return Result{}, err
	}
	obs.AuthzDecision(string(res.Decision))
	a.record(ctx, actor, req, res)
	return res, nil
}

// Require is Authorize that turns Deny and NoGrant into ErrForbidden.
func (a *Authorizer) Require(ctx context.Context, actor Actor, req Request) (Result, error) {
	res, err := a.Authorize(ctx, actor, req)
	if err != nil {
		return Result{}, err
	}
	if !res.Allowed() {
		return res, ErrForbidden
	}
	return res, nil
}

// AuthorizeBatch resolves req and records one entry per resolved item.
func (a *Authorizer) AuthorizeBatch(ctx context.Context, actor Actor, req BatchRequest) (BatchResult, error) {
	out, err := a.resolver.ResolveBatch(ctx, actor, req)
	if err != nil {
		a.recordError(ctx, actor, req.Resource, err)
		return BatchResult{}, err
	}
	for action, res := range out.Actions {
		obs.AuthzDecision(string(res.Decision))
		a.record(ctx, actor, Request{Resource: req.Resource, Action: action, Target: req.Target}, res)
	}
	for field, res := range out.Fields {
		obs.AuthzDecision(string(res.Decision))
		a.record(ctx, actor, Request{Resource: req.Resource, Action: ActionView, Field: field, Target: req.Target}, res)
	}
	return out, nil
}

func (a *Authorizer) record(ctx context.Context, actor Actor, req Request, res Result) {
	detail := map[string]any{
		"action":   string(req.Action),
		"decision": string(res.Decision),
	}
	if req.Field != "" {
		detail["field"] = req.Field
	}
	if len(res.Matched) > 0 {
		detail["matched"] = res.Matched
	}
	if res.Decision == DecisionNoGrant {
		detail["reason"] = "no matching grant"
	}
	outcome := audit.OutcomeSuccess
	if !res.Allowed() {
		outcome = audit.OutcomeFailure
	}
	a.recorder.Record(ctx, audit.Entry{
		ActorID:            actor.UserID,
		Action:             "authz.decision",
		ResourceType:       "resource",
		ResourceID:         req.Resource,
		Detail:             detail,
		Outcome:            outcome,
		PrivilegedOverride: res.PrivilegedOverride,
	})
}

func (a *Authorizer) recordError(ctx context.Context, actor Actor, resource string, err error) {
	a.logger.Warn("authorization failed", obs.String("resource", resource), obs.Err(err))
	a.recorder.Record(ctx, audit.Entry{
		ActorID:      actor.UserID,
		Action:       "authz.decision",
		ResourceType: "resource",
		ResourceID:   resource,
		Detail:       map[string]any{"error": err.Error()},
		Outcome:      audit.OutcomeFailure,
	})
}
