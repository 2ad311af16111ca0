package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/inspectbill/internal/authorization"
	"github.com/smallbiznis/inspectbill/internal/billingerror"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrRateLimited        = errors.New("rate_limited")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return billingerror.Validation(ErrInvalidRequest)
}

func invalidParam(name string) error {
	return billingerror.Validationf("invalid_"+name, "invalid %s", name)
}

// kindStatus is the HTTP status for each failure kind.
var kindStatus = map[billingerror.Kind]int{
	billingerror.KindValidation:          http.StatusBadRequest,
	billingerror.KindInsufficientCredits: http.StatusPaymentRequired,
	billingerror.KindDuplicateEvent:      http.StatusOK,
	billingerror.KindExternalProvider:    http.StatusBadGateway,
	billingerror.KindDataIntegrity:       http.StatusInternalServerError,
	billingerror.KindNotFound:            http.StatusNotFound,
	billingerror.KindConflict:            http.StatusConflict,
}

func mapError(err error) (int, errorPayload) {
	switch {
	case err == nil:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
	case errors.Is(err, ErrUnauthorized), errors.Is(err, authorization.ErrInvalidActor):
		return http.StatusUnauthorized, errorPayload{Type: "unauthorized", Message: "unauthorized"}
	case errors.Is(err, ErrForbidden), errors.Is(err, authorization.ErrForbidden):
		return http.StatusForbidden, errorPayload{Type: "forbidden", Message: "forbidden"}
	case errors.Is(err, ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: "not found"}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{Type: "service_unavailable", Message: "service unavailable"}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{Type: "rate_limited", Message: "too many requests"}
	}

	var be *billingerror.Error
	if errors.As(err, &be) {
		status, ok := kindStatus[be.Kind]
		if !ok {
			status = http.StatusInternalServerError
		}
		return status, errorPayload{
			Type:    string(be.Kind),
			Code:    be.Code,
			Message: publicMessage(be),
		}
	}

	return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
}

// publicMessage never echoes wrapped driver or provider errors.
func publicMessage(be *billingerror.Error) string {
	switch {
	case be.Kind == billingerror.KindExternalProvider:
		return "billing provider unavailable"
	case be.Message != "":
		return be.Message
	case be.Code != "":
		return be.Code
	default:
		return string(be.Kind)
	}
}

func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	var be *billingerror.Error
	if errors.As(err, &be) {
		return string(be.Kind), be.Code
	}
	status, payload := mapError(err)
	if status >= http.StatusInternalServerError {
		return "internal_error", ""
	}
	return payload.Type, ""
}
