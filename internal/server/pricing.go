package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/inspectbill/internal/audit/domain"
	"github.com/smallbiznis/inspectbill/internal/billingerror"
	"github.com/smallbiznis/inspectbill/internal/exchangerate"
)

func (s *Server) DetectTier(c *gin.Context) {
	count, err := requiredInt64(c.Query("inspections"), "inspections")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	tier, err := s.pricing.DetectTier(c.Request.Context(), count)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, tier)
}

func (s *Server) SmartPacks(c *gin.Context) {
	extra, err := requiredInt64(c.Query("extra"), "extra")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	tierID, err := parseOptionalSnowflakeID(c.Query("tier"))
	if err != nil || tierID == nil {
		AbortWithError(c, invalidParam("tier"))
		return
	}
	currency := c.Query("currency")
	if currency == "" {
		AbortWithError(c, invalidParam("currency"))
		return
	}

	sel, err := s.pricing.SmartPacks(c.Request.Context(), extra, *tierID, currency)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sel)
}

func (s *Server) QuoteModule(c *gin.Context) {
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
	quote, err := s.pricing.QuoteModule(c.Request.Context(), orgID, moduleID, c.Query("currency"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

func (s *Server) QuoteBundle(c *gin.Context) {
	bundleID, err := idParam(c, "bundleId", "bundle")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	quote, err := s.pricing.QuoteBundle(c.Request.Context(), bundleID, c.Query("currency"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

func (s *Server) RefreshRates(c *gin.Context) {
	snap, err := s.rates.Refresh(c.Request.Context())
	switch {
	case errors.Is(err, exchangerate.ErrSourceNotConfigured):
		AbortWithError(c, billingerror.Conflict("fx_source_not_configured", "no FX source is configured"))
		return
	case err != nil:
		AbortWithError(c, billingerror.ExternalProvider("fetch_rates", err))
		return
	}

	s.recordAudit(c, auditdomain.Entry{
		Action:     "fx.refresh",
		TargetType: "fx_rates",
		TargetID:   snap.Base,
		Metadata:   map[string]any{"currencies": len(snap.Rates)},
	})
	c.JSON(http.StatusOK, snap)
}
