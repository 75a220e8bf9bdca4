package validator

import (
	"errors"
	"fmt"
	"net/mail"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError lists the fields of a request that failed validation, keyed by
// their JSON path, e.g. "conditions[0].type"
type ValidationError struct {
	Fields map[string]string
	msgs   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", strings.Join(e.msgs, "; "))
}

// IsValidationError reports whether err came from request validation
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validator checks request DTOs against their validate tags. Besides the built-in
// tags it understands:
//
//	notblank  string is not empty after trimming
//	mailbox   a single bare address such as "sales@example.com"
type Validator struct {
	validate *validator.Validate
}

// New creates a new validator instance
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})

	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	_ = v.RegisterValidation("mailbox", func(fl validator.FieldLevel) bool {
		return isMailbox(fl.Field().String())
	})

	return &Validator{validate: v}
}

// isMailbox accepts only the bare address form; display names belong in contact
// records, not in mailbox identifiers
func isMailbox(s string) bool {
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Name == "" && addr.Address == strings.TrimSpace(s)
}

// Validate validates a struct
func (v *Validator) Validate(i interface{}) error {
	if err := v.validate.Struct(i); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// ValidateVar validates a single value against tag
func (v *Validator) ValidateVar(field interface{}, tag string) error {
	if err := v.validate.Var(field, tag); err != nil {
		return formatValidationError(err)
	}
	return nil
}

func formatValidationError(err error) error {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return err
	}

	ve := &ValidationError{Fields: make(map[string]string, len(fieldErrors))}
	for _, e := range fieldErrors {
		msg := fieldMessage(e)
		ve.Fields[fieldPath(e)] = msg
		ve.msgs = append(ve.msgs, msg)
	}
	return ve
}

func fieldMessage(e validator.FieldError) string {
	field := e.Field()

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "notblank":
		return fmt.Sprintf("%s must not be blank", field)
	case "mailbox":
		return fmt.Sprintf("%s must be a bare email address", field)
	case "min":
		if e.Kind() == reflect.Slice {
			return fmt.Sprintf("%s must have at least %s item(s)", field, e.Param())
		}
		return fmt.Sprintf("%s must be at least %s characters", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, e.Param())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	default:
		return fmt.Sprintf("%s failed validation for '%s'", field, e.Tag())
	}
}

// fieldPath drops the top-level struct name from the namespace
func fieldPath(e validator.FieldError) string {
	ns := e.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

var defaultValidator = New()

// Validate validates a struct using the shared validator
func Validate(i interface{}) error {
	return defaultValidator.Validate(i)
}

// ValidateVar validates a single value using the shared validator
func ValidateVar(field interface{}, tag string) error {
	return defaultValidator.ValidateVar(field, tag)
}
