package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/smallbiznis/inspectbill/internal/audit/domain"
	"github.com/smallbiznis/inspectbill/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectEvents       = "events"
	ObjectCredits      = "credits"
	ObjectFX           = "fx"
	ObjectAuditLog     = "audit_log"
	ObjectCatalog      = "catalog"
	ObjectSubscription = "subscription"
)

const (
	ActionView    = "view"
	ActionReplay  = "replay"
	ActionGrant   = "grant"
	ActionVerify  = "verify"
	ActionRepair  = "repair"
	ActionRefresh = "refresh"
	ActionEdit    = "edit"
	ActionClose   = "close"
)

const (
	RoleOperator = "operator"
	RoleSupport  = "support"
	RoleSystem   = "system"

	actorSystem    = "system"
	operatorPrefix = "operator:"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

// NewEnforcer loads policies from the casbin_rule table, seeds the built-in
// role grants, and binds the operators named in config. Operators are
// written "name" or "name:role"; a bare name gets the operator role.
func NewEnforcer(db *gorm.DB, cfg config.Config) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if _, err := enforcer.AddGroupingPolicy(actorSystem, roleSubject(RoleSystem)); err != nil {
		return nil, err
	}
	for _, entry := range cfg.Operators {
		name, role, _ := strings.Cut(entry, ":")
		if role == "" {
			role = RoleOperator
		}
		if err := assignRole(enforcer, name, role); err != nil {
			return nil, fmt.Errorf("operator %q: %w", entry, err)
		}
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor, object, action string) error {
	actor = strings.TrimSpace(actor)
	if actor != actorSystem && (!strings.HasPrefix(actor, operatorPrefix) || actor == operatorPrefix) {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	allowed, err := s.enforcer.Enforce(actor, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Warn("authorization denied",
			zap.String("actor", actor),
			zap.String("object", object),
			zap.String("action", action),
		)
		s.auditDenied(ctx, actor, object, action)
		return ErrForbidden
	}
	return nil
}

func (s *ServiceImpl) AssignRole(_ context.Context, operator, role string) error {
	return assignRole(s.enforcer, operator, role)
}

func (s *ServiceImpl) RoleOf(operator string) (string, error) {
	roles, err := s.enforcer.GetRolesForUser(operatorPrefix + strings.TrimSpace(operator))
	if err != nil {
		return "", err
	}
	if len(roles) == 0 {
		return "", nil
	}
	return strings.TrimPrefix(roles[0], "role:"), nil
}

func (s *ServiceImpl) auditDenied(ctx context.Context, actor, object, action string) {
	if s.auditSvc == nil {
		return
	}
	actorType, actorID, _ := strings.Cut(actor, ":")
	_ = s.auditSvc.AuditLog(ctx, auditdomain.Entry{
		ActorType:  auditdomain.ActorType(actorType),
		ActorID:    actorID,
		Action:     "authorization.denied",
		TargetType: "authorization",
		TargetID:   object + ":" + action,
		Metadata: map[string]any{
			"object": object,
			"action": action,
		},
	})
}

type roleBinder interface {
	GetRolesForUser(name string, domain ...string) ([]string, error)
	DeleteRolesForUser(user string, domain ...string) (bool, error)
	AddGroupingPolicy(params ...interface{}) (bool, error)
}

func assignRole(e roleBinder, operator, role string) error {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return ErrInvalidActor
	}
	role = strings.ToLower(strings.TrimSpace(role))
	switch role {
	case RoleOperator, RoleSupport:
	default:
		return ErrUnknownRole
	}

	subject := operatorPrefix + operator
	current, err := e.GetRolesForUser(subject)
	if err != nil {
		return err
	}
	if len(current) == 1 && current[0] == roleSubject(role) {
		return nil
	}
	if _, err := e.DeleteRolesForUser(subject); err != nil {
		return err
	}
	_, err = e.AddGroupingPolicy(subject, roleSubject(role))
	return err
}

func roleSubject(role string) string {
	return "role:" + role
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Support is read-only
		{"role:support", ObjectEvents, ActionView},
		{"role:support", ObjectAuditLog, ActionView},
		{"role:support", ObjectCredits, ActionVerify},

		{"role:operator", ObjectEvents, ActionView},
		{"role:operator", ObjectEvents, ActionReplay},
		{"role:operator", ObjectAuditLog, ActionView},
		{"role:operator", ObjectCredits, ActionGrant},
		{"role:operator", ObjectCredits, ActionVerify},
		{"role:operator", ObjectCredits, ActionRepair},
		{"role:operator", ObjectFX, ActionRefresh},
		{"role:operator", ObjectCatalog, ActionEdit},
		{"role:operator", ObjectSubscription, ActionClose},

		// CLI and scheduler
		{"role:system", ObjectEvents, ActionView},
		{"role:system", ObjectEvents, ActionReplay},
		{"role:system", ObjectCredits, ActionVerify},
		{"role:system", ObjectCredits, ActionRepair},
		{"role:system", ObjectFX, ActionRefresh},
	}

	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
