package common

import (
	"errors"
	"net/http"
)

// Error codes shared by the checkout surface.
const (
	CodeConfigUnavailable   = "CONFIG_UNAVAILABLE"
	CodeInvalidDiscountCode = "INVALID_DISCOUNT_CODE"
	CodeDiscountExpired     = "DISCOUNT_EXPIRED"
	CodeDiscountNotActive   = "DISCOUNT_NOT_ACTIVE"
	CodeMinOrderNotMet      = "DISCOUNT_MIN_ORDER_NOT_MET"
	CodeUsageExceeded       = "DISCOUNT_USAGE_EXCEEDED"
	CodeFirstOrderUsed      = "FIRST_ORDER_DISCOUNT_USED"
	CodeNotStackable        = "DISCOUNT_NOT_STACKABLE"
	CodeInsufficientCoins   = "INSUFFICIENT_COIN_BALANCE"
	CodeOrderOutOfBounds    = "ORDER_VALUE_OUT_OF_BOUNDS"
	CodeItemLimitExceeded   = "ORDER_ITEM_LIMIT_EXCEEDED"
	CodeSettlementChanged   = "SETTLEMENT_CHANGED"
	CodeProductUnavailable  = "PRODUCT_UNAVAILABLE"
	CodeOrderNotPending     = "ORDER_NOT_PENDING"
	CodeAmountMismatch      = "AMOUNT_MISMATCH"
	CodePaymentUnavailable  = "PAYMENT_UNAVAILABLE"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeForbidden           = "FORBIDDEN"
	CodeValidation          = "VALIDATION_ERROR"
	CodeNotFound            = "NOT_FOUND"
	CodeInternal            = "INTERNAL"
)

// AppError represents an error with an attached code and HTTP status.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
	Details    any
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap allows errors.Is/As to inspect the underlying error.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// WithDetails attaches a details payload and returns the same error.
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// IsAppError checks whether the error is an AppError.
func IsAppError(err error) bool {
	var target *AppError
	return errors.As(err, &target)
}

// WriteError renders err. AppErrors keep their code and status, anything else is a 500.
func WriteError(w http.ResponseWriter, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		status := appErr.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		JSONError(w, status, appErr.Code, appErr.Message, appErr.Details)
		return
	}
	JSONError(w, http.StatusInternalServerError, CodeInternal, "internal server error", nil)
}
