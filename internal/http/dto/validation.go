package dto

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/cesargomez89/clinicaletl/internal/ingest"
)

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) ToMap() map[string]string {
	return map[string]string{e.Field: e.Message}
}

func ToMap(errs []ValidationError) map[string]string {
	result := make(map[string]string)
	for _, e := range errs {
		result[e.Field] = e.Message
	}
	return result
}

func ToResponse(errs []ValidationError) string {
	var msgs []string
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validator checks request structs against their validate tags and reports
// problems under the fields' JSON names.
type Validator struct {
	v *validator.Validate
}

func NewValidator() *Validator {
	v := validator.New()

	_ = v.RegisterValidation("timestamp", isTimestamp)

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Validator{v: v}
}

// Validate returns nil when s passes.
func (v *Validator) Validate(s interface{}) []ValidationError {
	err := v.v.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []ValidationError{{Field: "request", Message: err.Error()}}
	}
	errs := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		errs = append(errs, ValidationError{Field: fe.Field(), Message: formatValidationError(fe)})
	}
	return errs
}

func formatValidationError(err validator.FieldError) string {
	param := err.Param()

	switch err.Tag() {
	case "required":
		return "is required"
	case "required_without":
		return fmt.Sprintf("is required when %s is not given", param)
	case "max":
		if err.Kind() == reflect.Slice {
			return fmt.Sprintf("must hold at most %s items", param)
		}
		return fmt.Sprintf("must be at most %s characters", param)
	case "oneof":
		return fmt.Sprintf("must be one of: %s", strings.ReplaceAll(param, " ", ", "))
	case "numeric", "number":
		return "must be a number"
	case "boolean":
		return "must be true or false"
	case "timestamp":
		return "must be an ISO 8601 date or timestamp"
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", param)
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", param)
	default:
		return fmt.Sprintf("failed %s validation", err.Tag())
	}
}

func isTimestamp(fl validator.FieldLevel) bool {
	_, err := ingest.ParseTimestamp(fl.Field().String())
	return err == nil
}
