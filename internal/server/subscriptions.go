package server

import (
	"context"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/inspectbill/internal/audit/domain"
	subdomain "github.com/smallbiznis/inspectbill/internal/subscription/domain"
)

func (s *Server) GetSubscriptionStatus(c *gin.Context) {
	orgID, err := orgParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	status, err := s.subscriptions.GetStatus(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

type toggleModuleRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) ToggleModule(c *gin.Context) {
	orgID, err := orgParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	moduleID, err := idParam(c, "moduleId", "module")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req toggleModuleRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		AbortWithError(c, invalidParam("enabled"))
		return
	}

	change, err := s.subscriptions.ToggleModule(c.Request.Context(), subdomain.ToggleModuleRequest{
		OrgID:    orgID,
		ModuleID: moduleID,
		Enabled:  *req.Enabled,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, change)
}

func (s *Server) ModuleAvailability(c *gin.Context) {
	orgID, err := orgParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	moduleID, err := idParam(c, "moduleId", "module")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	available, err := s.subscriptions.IsModuleAvailableForInstance(c.Request.Context(), orgID, moduleID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"organization_id": orgID,
		"module_id":       moduleID,
		"available":       available,
	})
}

func (s *Server) ActivateBundle(c *gin.Context) {
	s.changeBundle(c, s.subscriptions.ActivateBundle)
}

func (s *Server) DeactivateBundle(c *gin.Context) {
	s.changeBundle(c, s.subscriptions.DeactivateBundle)
}

func (s *Server) changeBundle(c *gin.Context, apply func(ctx context.Context, orgID, bundleID snowflake.ID) (*subdomain.EntitlementChange, error)) {
	orgID, err := orgParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	bundleID, err := idParam(c, "bundleId", "bundle")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	change, err := apply(c.Request.Context(), orgID, bundleID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, change)
}

func (s *Server) CloseSubscription(c *gin.Context) {
	orgID, err := orgParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	transition, err := s.subscriptions.CloseSubscription(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordAudit(c, auditdomain.Entry{
		OrgID:      &orgID,
		Action:     "subscription.close",
		TargetType: "subscription",
		TargetID:   transition.SubscriptionID.String(),
		Metadata: map[string]any{
			"from":            string(transition.From),
			"to":              string(transition.To),
			"credits_expired": transition.CreditsExpired,
		},
	})
	c.JSON(http.StatusOK, transition)
}

func (s *Server) RemoveModuleFromBundle(c *gin.Context) {
	bundleID, err := idParam(c, "bundleId", "bundle")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	moduleID, err := idParam(c, "moduleId", "module")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	change, err := s.subscriptions.RemoveModuleFromBundle(c.Request.Context(), bundleID, moduleID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordAudit(c, auditdomain.Entry{
		Action:     "catalog.bundle_module_removed",
		TargetType: "bundle",
		TargetID:   bundleID.String(),
		Metadata: map[string]any{
			"module_id":             moduleID.String(),
			"modules_left":          change.ModulesLeft,
			"instances_deactivated": change.InstancesDeactivated,
		},
	})
	c.JSON(http.StatusOK, change)
}
