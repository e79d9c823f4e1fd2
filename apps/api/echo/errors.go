package echoapi

import (
	"net/http"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-billing/core"
	"github.com/trezcool/masomo-billing/core/billing"
)

var (
	errUnauthorized   = echo.NewHTTPError(http.StatusUnauthorized, "user not authenticated")
	errHttpForbidden  = echo.NewHTTPError(http.StatusForbidden, "permission denied")
	retryAfterSeconds = "5"
)

// billingStatus maps billing sentinel errors to their HTTP status; 0 means unknown.
func billingStatus(err error) int {
	switch {
	case errors.Is(err, billing.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrNotFound), errors.Is(err, billing.ErrSchoolNotFound):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrDuplicateKey), errors.Is(err, billing.ErrConflict), errors.Is(err, billing.ErrInvoiceNumberTaken):
		return http.StatusConflict
	case errors.Is(err, billing.ErrInvalidTransition), errors.Is(err, billing.ErrSchoolInactive):
		return http.StatusUnprocessableEntity
	case errors.Is(err, billing.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return 0
}

// newAppHTTPErrorHandler returns a custom echo.HTTPErrorHandler that knows how to handle our errors.
// signalShutdown is called in order to gracefully shutdown the Server whenever a core.shutdown error is caught.
func newAppHTTPErrorHandler(logger core.Logger, translator ut.Translator, signalShutdown func()) echo.HTTPErrorHandler {
	return func(err error, ctx echo.Context) {
		var code int
		var message interface{}

		switch origErr := errors.Cause(err).(type) {
		case *echo.HTTPError:
			if origErr == middleware.ErrJWTMissing {
				code = http.StatusUnauthorized
				message = origErr.Message
				break
			}
			if origErr.Internal != nil {
				if herr, ok := origErr.Internal.(*echo.HTTPError); ok {
					origErr = herr
				}
			}
			code = origErr.Code
			message = origErr.Message
		case validator.ValidationErrors:
			fldErrs := make(map[string]string, len(origErr))
			for _, vErr := range origErr {
				fldErrs[vErr.Field()] = vErr.Translate(translator)
			}
			code = http.StatusBadRequest
			message = fldErrs
		case *core.ValidationError:
			if origErr.Fields != nil {
				fldErrs := make(map[string]string, len(origErr.Fields))
				for _, fErr := range origErr.Fields {
					fldErrs[fErr.Field] = fErr.Error
				}
				message = fldErrs
			} else {
				message = origErr.Error()
			}
			code = http.StatusBadRequest
		default:
			if code = billingStatus(err); code != 0 {
				message = err.Error()
				if code == http.StatusServiceUnavailable {
					ctx.Response().Header().Set("Retry-After", retryAfterSeconds)
				}
				break
			}

			// any other error is a server error
			code = http.StatusInternalServerError
			msg := http.StatusText(http.StatusInternalServerError)
			message = msg

			var subject interface{}
			if claims, cErr := getContextClaims(ctx); cErr == nil {
				subject = map[string]interface{}{"user_id": claims.Subject, "username": claims.Username}
			}
			if subject != nil {
				logger.Error(msg, errors.Wrap(err, msg), subject)
			} else {
				logger.Error(msg, errors.Wrap(err, msg))
			}

			// shutting down...
			if core.IsShutdown(err) {
				signalShutdown()
			}
		}

		if ctx.Echo().Debug {
			message = err.Error()
		}
		if m, ok := message.(string); ok {
			message = echo.Map{"error": m}
		}

		// Send response
		if !ctx.Response().Committed {
			if ctx.Request().Method == http.MethodHead { // Issue #608
				err = ctx.NoContent(code)
			} else {
				err = ctx.JSON(code, message)
			}
			if err != nil {
				ctx.Echo().Logger.Error(err)
			}
		}
	}
}
