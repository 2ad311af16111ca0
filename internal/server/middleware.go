package server

import (
	"crypto/subtle"
	"math"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/inspectbill/internal/audit/domain"
	obscontext "github.com/smallbiznis/inspectbill/internal/observability/context"
	"go.uber.org/zap"
)

const (
	// HeaderOperator names the operator acting through the admin token.
	HeaderOperator  = "X-Operator"
	contextActorKey = "actor"
)

// AdminRequired checks the shared admin bearer token and binds the
// operator named in X-Operator as the request actor. Admin routes are
// disabled when no token is configured.
func (s *Server) AdminRequired() gin.HandlerFunc {
	expected := []byte(strings.TrimSpace(s.cfg.AdminAPIToken))
	return func(c *gin.Context) {
		if len(expected) == 0 {
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok || subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		operator := strings.TrimSpace(c.GetHeader(HeaderOperator))
		if operator == "" || strings.ContainsAny(operator, ": ") {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		actor := "operator:" + operator
		c.Set(contextActorKey, actor)
		c.Request = c.Request.WithContext(obscontext.WithActor(c.Request.Context(), actor))
		c.Next()
	}
}

func (s *Server) authorize(object, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := c.GetString(contextActorKey)
		if actor == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if err := s.authzSvc.Authorize(c.Request.Context(), actor, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// recordAudit writes an operator action. Failures are logged, the action
// already happened.
func (s *Server) recordAudit(c *gin.Context, entry auditdomain.Entry) {
	if s.auditSvc == nil {
		return
	}
	if err := s.auditSvc.AuditLog(c.Request.Context(), entry); err != nil {
		s.log.Warn("failed to write audit log",
			zap.String("action", entry.Action),
			zap.String("target_id", entry.TargetID),
			zap.Error(err),
		)
	}
}

func orgParam(c *gin.Context) (snowflake.ID, error) {
	return idParam(c, "orgId", "organization")
}

func idParam(c *gin.Context, param, name string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param(param)))
	if err != nil || id <= 0 {
		return 0, invalidParam(name)
	}
	return id, nil
}

// throttleWebhooks sheds deliveries past the per-provider rate. Providers
// redeliver on 429.
func (s *Server) throttleWebhooks() gin.HandlerFunc {
	return func(c *gin.Context) {
		res := s.limiter.AllowProvider(c.Request.Context(), c.Param("provider"))
		if res.Allowed {
			c.Next()
			return
		}
		seconds := int(math.Ceil(res.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(seconds))
		AbortWithError(c, ErrRateLimited)
	}
}
