package stripe

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"

	"github.com/smallbiznis/inspectbill/internal/billingerror"
	stripego "github.com/stripe/stripe-go/v76"
)

// classify maps a stripe-go error onto the billing error taxonomy.
// Caller cancellation passes through untouched.
func classify(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if transient(err) {
		return billingerror.ExternalProvider(operation, err)
	}
	var se *stripego.Error
	if errors.As(err, &se) {
		return billingerror.Validationf("provider_rejected", "%s: %s", operation, se.Msg).
			With("stripe_code", string(se.Code))
	}
	return billingerror.ExternalProvider(operation, err)
}

func transient(err error) bool {
	var se *stripego.Error
	if errors.As(err, &se) {
		switch {
		case se.HTTPStatusCode >= http.StatusInternalServerError:
			return true
		case se.HTTPStatusCode == http.StatusTooManyRequests:
			return true
		case se.Code == stripego.ErrorCodeRateLimit, se.Code == stripego.ErrorCodeLockTimeout:
			return true
		}
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}

func asStripe(err error, target **stripego.Error) bool {
	return errors.As(err, target)
}
