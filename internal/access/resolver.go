package access

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"factoryauth.org/internal/obs"
)

// Decision is the outcome of a resolution.
type Decision string

const (
	DecisionAllow   Decision = "allow"
	DecisionDeny    Decision = "deny"
	DecisionNoGrant Decision = "no_grant"
)

// Presentation tells the caller how to render the requested field or record.
type Presentation struct {
	Visible  bool     `json:"visible"`
	Editable bool     `json:"editable"`
	Mask     MaskType `json:"mask"`
}

// Request is a single authorization question.
type Request struct {
	Resource   string            `json:"resource"`
	Action     Action            `json:"action"`
	Field      string            `json:"field,omitempty"`
	Target     *Target           `json:"target,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Result is the answer to a Request.
type Result struct {
	Decision           Decision     `json:"decision"`
	Presentation       Presentation `json:"presentation"`
	PrivilegedOverride bool         `json:"privileged_override"`
	// Scope is the broadest scope among the allows that matched.
	Scope Scope `json:"scope,omitempty"`
	// Matched names the permissions that decided the result.
	Matched []string `json:"matched,omitempty"`
}

// Allowed reports whether the decision permits the action.
func (r Result) Allowed() bool { return r.Decision == DecisionAllow }

// Resolver is the single decision point for permission checks.
type Resolver struct {
	grants GrantRepository
	deps
}

// NewResolver constructs Resolver.
func NewResolver(grants GrantRepository, opts ...Option) *Resolver {
	return &Resolver{grants: grants, deps: buildDeps(opts)}
}

func validateRequest(req Request) error {
	if strings.TrimSpace(req.Resource) == "" {
		return fmt.Errorf("%w: resource is required", ErrInvalidInput)
	}
	if !req.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidInput, req.Action)
	}
	return nil
}

// Resolve answers req for actor. Root administrators are allowed without
// consulting grants; everyone else is evaluated against one snapshot of
// their effective grants.
func (r *Resolver) Resolve(ctx context.Context, actor Actor, req Request) (Result, error) {
	ctx, span := obs.Tracer().Start(ctx, "access.Resolve")
	defer span.End()
	span.SetAttributes(
		attribute.String("access.resource", req.Resource),
		attribute.String("access.action", string(req.Action)),
	)

	req.Resource = strings.TrimSpace(req.Resource)
	req.Field = strings.TrimSpace(req.Field)
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}
	if actor.RootAdmin {
		span.SetAttributes(attribute.Bool("access.privileged_override", true))
		return rootResult(), nil
	}
	snapshot, err := r.grants.EffectiveGrants(ctx, actor.UserID, r.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "grant snapshot failed")
		return Result{}, err
	}
	res := evaluate(snapshot, actor, req)
	span.SetAttributes(attribute.String("access.decision", string(res.Decision)))
	return res, nil
}

// BatchRequest asks several actions and field visibilities of one resource at once.
type BatchRequest struct {
	Resource   string            `json:"resource"`
	Actions    []Action          `json:"actions"`
	Fields     []string          `json:"fields"`
	Target     *Target           `json:"target,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// BatchResult maps each requested action and field to its result. Fields are
// resolved against the view action.
type BatchResult struct {
	Actions map[Action]Result `json:"actions"`
	Fields  map[string]Result `json:"fields"`
}

// ResolveBatch evaluates every entry of req against one grant snapshot.
func (r *Resolver) ResolveBatch(ctx context.Context, actor Actor, req BatchRequest) (BatchResult, error) {
	ctx, span := obs.Tracer().Start(ctx, "access.ResolveBatch")
	defer span.End()

	req.Resource = strings.TrimSpace(req.Resource)
	if req.Resource == "" {
		return BatchResult{}, fmt.Errorf("%w: resource is required", ErrInvalidInput)
	}
	for _, a := range req.Actions {
		if !a.Valid() {
			return BatchResult{}, fmt.Errorf("%w: unknown action %q", ErrInvalidInput, a)
		}
	}
	out := BatchResult{
		Actions: make(map[Action]Result, len(req.Actions)),
		Fields:  make(map[string]Result, len(req.Fields)),
	}
	var snapshot []EffectiveGrant
	if !actor.RootAdmin {
		var err error
		snapshot, err = r.grants.EffectiveGrants(ctx, actor.UserID, r.now())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "grant snapshot failed")
			return BatchResult{}, err
		}
	}
	one := func(q Request) Result {
		if actor.RootAdmin {
			return rootResult()
		}
		return evaluate(snapshot, actor, q)
	}
	for _, a := range req.Actions {
		out.Actions[a] = one(Request{Resource: req.Resource, Action: a, Target: req.Target, Attributes: req.Attributes})
	}
	for _, f := range req.Fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		out.Fields[f] = one(Request{Resource: req.Resource, Action: ActionView, Field: f, Target: req.Target, Attributes: req.Attributes})
	}
	return out, nil
}

func rootResult() Result {
	return Result{
		Decision:           DecisionAllow,
		Presentation:       Presentation{Visible: true, Editable: true, Mask: MaskNone},
		PrivilegedOverride: true,
		Scope:              ScopeGlobal,
	}
}

type tier struct {
	allows []Permission
	denies []Permission
}

// evaluate is pure: the same snapshot and request always give the same result.
func evaluate(snapshot []EffectiveGrant, actor Actor, req Request) Result {
	var fieldTier, resourceTier tier
	for _, g := range snapshot {
		p := g.Permission
		if p.Retired() || p.Resource != req.Resource || p.Action != req.Action {
			continue
		}
		if p.Field != "" && p.Field != req.Field {
			continue
		}
		if !scopeMatches(p.Scope, actor, req.Target) || !conditionApplies(p, req.Attributes) {
			continue
		}
		t := &resourceTier
		if p.Field != "" {
			t = &fieldTier
		}
		if p.Effect == EffectDeny {
			t.denies = append(t.denies, p)
		} else {
			t.allows = append(t.allows, p)
		}
	}

	// A deny from either tier wins. Field-level allows only narrow the
	// presentation that resource-level allows would otherwise give.
	if denies := append(fieldTier.denies, resourceTier.denies...); len(denies) > 0 {
		return Result{Decision: DecisionDeny, Presentation: Presentation{Mask: MaskNone}, Matched: names(denies)}
	}
	selected, fieldLevel := resourceTier, false
	if req.Field != "" && len(fieldTier.allows) > 0 {
		selected, fieldLevel = fieldTier, true
	}
	if len(selected.allows) == 0 {
		return Result{Decision: DecisionNoGrant, Presentation: Presentation{Mask: MaskNone}}
	}

	res := Result{Decision: DecisionAllow, Matched: names(selected.allows)}
	for _, p := range selected.allows {
		if p.Scope.breadth() > res.Scope.breadth() {
			res.Scope = p.Scope
		}
	}
	if fieldLevel {
		res.Presentation = fieldPresentation(selected.allows)
	} else {
		res.Presentation = Presentation{
			Visible:  true,
			Editable: req.Action == ActionCreate || req.Action == ActionUpdate,
			Mask:     MaskNone,
		}
	}
	return res
}

// fieldPresentation unions the field allows. The least restrictive mask
// among visible entries wins.
func fieldPresentation(allows []Permission) Presentation {
	out := Presentation{Mask: MaskNone}
	mask := MaskFull
	for _, p := range allows {
		if !p.Visible {
			continue
		}
		out.Visible = true
		out.Editable = out.Editable || p.Editable
		if p.Mask.rank() < mask.rank() {
			mask = p.Mask
		}
	}
	if out.Visible {
		out.Mask = mask
	}
	return out
}

func scopeMatches(scope Scope, actor Actor, target *Target) bool {
	if target == nil {
		return true
	}
	switch scope {
	case ScopeOwn:
		return target.OwnerID != "" && target.OwnerID == actor.UserID
	case ScopeDepartment:
		return target.Department != "" && target.Department == actor.Department
	}
	return true
}

// conditionApplies evaluates the permission condition. When the request lacks
// an attribute the condition needs, an allow does not apply and a deny does.
func conditionApplies(p Permission, attrs map[string]string) bool {
	if p.Condition == "" {
		return true
	}
	cond, err := ParseCondition(p.Condition)
	if err != nil {
		return p.Effect == EffectDeny
	}
	holds, known := cond.Eval(attrs)
	if p.Effect == EffectDeny {
		return holds || !known
	}
	return holds
}

func names(perms []Permission) []string {
	out := make([]string, 0, len(perms))
	seen := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		if _, ok := seen[p.Name]; ok {
			continue
		}
		seen[p.Name] = struct{}{}
		out = append(out, p.Name)
	}
	sort.Strings(out)
	return out
}
