package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/inspectbill/internal/audit/domain"
	creditdomain "github.com/smallbiznis/inspectbill/internal/credit/domain"
)

func (s *Server) GetBalance(c *gin.Context) {
	orgID, err := orgParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	balance, err := s.credits.Balance(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

func (s *Server) ListBatches(c *gin.Context) {
	orgID, err := orgParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	batches, err := s.credits.ListBatches(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": batches})
}

type listEntriesQuery struct {
	BatchID string `form:"batch_id"`
	Source  string `form:"source"`
	Limit   int    `form:"limit"`
}

func (s *Server) ListEntries(c *gin.Context) {
	orgID, err := orgParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var query listEntriesQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	batchID, err := parseOptionalSnowflakeID(query.BatchID)
	if err != nil {
		AbortWithError(c, invalidParam("batch_id"))
		return
	}
	filter := creditdomain.EntryFilter{
		OrgID:  orgID,
		Source: creditdomain.Source(strings.TrimSpace(query.Source)),
		Limit:  query.Limit,
	}
	if batchID != nil {
		filter.BatchID = *batchID
	}

	entries, err := s.credits.ListEntries(c.Request.Context(), filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries})
}

type consumeCreditsRequest struct {
	Quantity   int64  `json:"quantity"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Notes      string `json:"notes"`
}

func (s *Server) ConsumeCredits(c *gin.Context) {
	orgID, err := orgParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req consumeCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	res, err := s.credits.ConsumeCredits(c.Request.Context(), creditdomain.ConsumeRequest{
		OrgID:      orgID,
		Quantity:   req.Quantity,
		EntityType: strings.TrimSpace(req.EntityType),
		EntityID:   strings.TrimSpace(req.EntityID),
		Notes:      req.Notes,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type grantCreditsRequest struct {
	Quantity  int64      `json:"quantity"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (s *Server) GrantCredits(c *gin.Context) {
	orgID, err := orgParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req grantCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		AbortWithError(c, invalidParam("reason"))
		return
	}

	actor := c.GetString(contextActorKey)
	batch, err := s.credits.GrantCredits(c.Request.Context(), creditdomain.GrantRequest{
		OrgID:     orgID,
		Quantity:  req.Quantity,
		Source:    creditdomain.SourceAdminGrant,
		ExpiresAt: req.ExpiresAt,
		Metadata:  creditdomain.AdminGrantMetadata{Actor: actor, Reason: reason},
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordAudit(c, auditdomain.Entry{
		OrgID:      &orgID,
		Action:     "credits.grant",
		TargetType: "credit_batch",
		TargetID:   batch.ID.String(),
		Metadata: map[string]any{
			"quantity": req.Quantity,
			"reason":   reason,
		},
	})
	c.JSON(http.StatusCreated, batch)
}

func (s *Server) VerifyCredits(c *gin.Context) {
	orgID, err := orgParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.credits.VerifyIntegrity(c.Request.Context(), orgID); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"organization_id": orgID, "status": "ok"})
}

func (s *Server) RepairCredits(c *gin.Context) {
	orgID, err := orgParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	delta, err := s.credits.RepairCounter(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordAudit(c, auditdomain.Entry{
		OrgID:      &orgID,
		Action:     "credits.repair_counter",
		TargetType: "organization",
		TargetID:   orgID.String(),
		Metadata:   map[string]any{"adjustment": delta},
	})
	c.JSON(http.StatusOK, gin.H{"organization_id": orgID, "adjustment": delta})
}
