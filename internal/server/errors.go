package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	marketdomain "github.com/smallbiznis/minutely/internal/marketplace/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrCallerRequired     = errors.New("caller_required")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrInternal           = errors.New("internal_error")
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
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

// errorRule maps a group of sentinels to one HTTP status. When coded is set
// the matched sentinel's text becomes the response code.
type errorRule struct {
	status  int
	typ     string
	message string
	coded   bool
	targets []error
}

var errorRules = []errorRule{
	{http.StatusUnauthorized, "unauthorized", "unauthorized", true,
		[]error{ErrCallerRequired, ErrUnauthorized}},
	{http.StatusForbidden, "forbidden", "caller is not allowed to perform this action", true,
		[]error{marketdomain.ErrNotAuthorized}},
	{http.StatusNotFound, "not_found", "not found", true,
		[]error{marketdomain.ErrServiceNotFound, marketdomain.ErrPayLogNotFound, ErrNotFound, gorm.ErrRecordNotFound}},
	{http.StatusConflict, "conflict", "service is not available", true,
		[]error{marketdomain.ErrAlreadyLeased, marketdomain.ErrAlreadyEnded, marketdomain.ErrAlreadyStopped, marketdomain.ErrServiceUnavailable}},
	{http.StatusPaymentRequired, "payment_required", "transfer amount does not cover the requested minutes", true,
		[]error{marketdomain.ErrInsufficientPayment}},
	{http.StatusTooManyRequests, "rate_limited", "too many requests", false,
		[]error{ErrRateLimited}},
	{http.StatusServiceUnavailable, "service_unavailable", "service unavailable", false,
		[]error{ErrServiceUnavailable}},
}

// Generic sentinels never surface as a response code.
var uncodedErrors = []error{ErrUnauthorized, ErrNotFound, gorm.ErrRecordNotFound}

var errorMessages = map[error]string{
	marketdomain.ErrAlreadyLeased:  "service is already leased",
	marketdomain.ErrAlreadyEnded:   "lease already ended",
	marketdomain.ErrAlreadyStopped: "lease already stopped",
}

var validationSentinels = []error{
	ErrInvalidRequest,
	marketdomain.ErrInvalidCaller,
	marketdomain.ErrInvalidServiceID,
	marketdomain.ErrInvalidPrice,
	marketdomain.ErrInvalidUsageMinutes,
	marketdomain.ErrInvalidAmount,
	marketdomain.ErrAmountOverflow,
	marketdomain.ErrInvalidPageToken,
	marketdomain.ErrInvalidSchedule,
}

func mapError(err error) (int, errorPayload) {
	internal := errorPayload{Type: "internal_error", Message: "internal server error"}
	if err == nil {
		return http.StatusInternalServerError, internal
	}

	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}
	if marketdomain.IsValidationError(err) || errors.Is(err, ErrInvalidRequest) {
		code, ok := matchSentinel(err, validationSentinels)
		if !ok {
			code = err.Error()
		}
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{{
				Field:   validationErrorField(code),
				Code:    code,
				Message: validationErrorMessage(code),
			}},
		}
	}

	for _, rule := range errorRules {
		target, ok := firstMatch(err, rule.targets)
		if !ok {
			continue
		}
		payload := errorPayload{Type: rule.typ, Message: rule.message}
		if msg, ok := errorMessages[target]; ok {
			payload.Message = msg
		}
		if rule.coded && !isUncoded(target) {
			payload.Code = target.Error()
		}
		return rule.status, payload
	}
	return http.StatusInternalServerError, internal
}

// classifyErrorForLog returns the error type and code recorded on request logs.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Code
	if code == "" && len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}

func firstMatch(err error, targets []error) (error, bool) {
	for _, target := range targets {
		if errors.Is(err, target) {
			return target, true
		}
	}
	return nil, false
}

func matchSentinel(err error, targets []error) (string, bool) {
	target, ok := firstMatch(err, targets)
	if !ok {
		return "", false
	}
	return target.Error(), true
}

func isUncoded(target error) bool {
	for _, generic := range uncodedErrors {
		if target == generic {
			return true
		}
	}
	return false
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request":
		return "request"
	case "amount_overflow":
		return "usage_minutes"
	}
	return strings.TrimPrefix(code, "invalid_")
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "amount_overflow":
		return "price for the requested minutes overflows"
	default:
		return "invalid value"
	}
}
