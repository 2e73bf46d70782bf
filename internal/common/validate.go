package common

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validator returns the shared validator instance.
func Validator() *validator.Validate {
	return validate
}

// ValidateStruct runs struct tags and converts failures into a 400 AppError
// whose details list field and tag per violation.
func ValidateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return NewAppError(CodeValidation, "invalid request", http.StatusBadRequest, err)
	}
	fields := make([]map[string]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, map[string]string{"field": fe.Namespace(), "rule": fe.Tag()})
	}
	return NewAppError(CodeValidation, "invalid request", http.StatusBadRequest, err).WithDetails(map[string]any{"fields": fields})
}
