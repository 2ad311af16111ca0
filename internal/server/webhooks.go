package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/inspectbill/internal/audit/domain"
	webhookdomain "github.com/smallbiznis/inspectbill/internal/webhook/domain"
)

const maxWebhookBody = 1 << 20

func (s *Server) HandleWebhook(c *gin.Context) {
	provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			AbortWithError(c, invalidParam("payload_size"))
			return
		}
		AbortWithError(c, invalidRequestError())
		return
	}

	res, err := s.webhooks.Ingest(c.Request.Context(), provider, payload, c.Request.Header)
	writeWebhookResult(c, res, err)
}

// writeWebhookResult answers 202 for parked events so the provider stops
// redelivering once the event is safely stored for replay.
func writeWebhookResult(c *gin.Context, res *webhookdomain.Result, err error) {
	if res != nil && res.Outcome == webhookdomain.OutcomeParked {
		c.JSON(http.StatusAccepted, res)
		return
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type listEventsQuery struct {
	Status   string `form:"status"`
	Provider string `form:"provider"`
	Before   string `form:"before"`
	Limit    int    `form:"limit"`
}

func (s *Server) ListEvents(c *gin.Context) {
	var query listEventsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	status := webhookdomain.Status(strings.ToLower(strings.TrimSpace(query.Status)))
	switch status {
	case "", webhookdomain.StatusReceived, webhookdomain.StatusProcessed, webhookdomain.StatusError, webhookdomain.StatusRejected:
	default:
		AbortWithError(c, invalidParam("status"))
		return
	}
	before, err := parseOptionalTime(query.Before, false)
	if err != nil {
		AbortWithError(c, invalidParam("before"))
		return
	}
	if query.Limit < 0 || query.Limit > 500 {
		AbortWithError(c, invalidParam("limit"))
		return
	}

	events, err := s.webhooks.ListEvents(c.Request.Context(), webhookdomain.ListFilter{
		Status:   status,
		Provider: strings.ToLower(strings.TrimSpace(query.Provider)),
		Before:   before,
		Limit:    query.Limit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": events})
}

func (s *Server) ReplayEvent(c *gin.Context) {
	req := webhookdomain.ReplayRequest{
		Provider: c.Query("provider"),
		EventID:  strings.TrimSpace(c.Param("eventId")),
	}
	res, err := s.webhooks.Replay(c.Request.Context(), req)
	if res != nil {
		s.recordAudit(c, auditdomain.Entry{
			Action:     "event.replay",
			TargetType: "processed_event",
			TargetID:   req.EventID,
			Metadata: map[string]any{
				"provider": res.Provider,
				"outcome":  string(res.Outcome),
				"attempts": res.Attempts,
			},
		})
	}
	writeWebhookResult(c, res, err)
}
