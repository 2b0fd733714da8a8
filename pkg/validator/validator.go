package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

type ValidationErrors map[string]string

func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

func (v ValidationErrors) Add(field, message string) {
	v[field] = message
}

var validate = newValidate()

func newValidate() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Struct validates s by its `validate` tags and returns one message per
// failing field, keyed by the field's json name.
func Struct(s any) ValidationErrors {
	errs := make(ValidationErrors)

	err := validate.Struct(s)
	if err == nil {
		return errs
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		errs.Add("_", err.Error())
		return errs
	}
	for _, fe := range fieldErrs {
		field, _, _ := strings.Cut(fe.Field(), "[")
		if _, ok := errs[field]; ok {
			continue
		}
		errs.Add(field, message(fe))
	}
	return errs
}

func message(fe validator.FieldError) string {
	field, indexed, _ := strings.Cut(fe.Field(), "[")
	label := humanize(field)
	if indexed != "" {
		return label + " contains an invalid entry"
	}
	switch fe.Tag() {
	case "required":
		return label + " is required"
	case "uuid", "uuid4", "uuid7":
		return label + " must be a valid id"
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("%s must contain at least %s item(s)", label, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s characters", label, fe.Param())
	case "max":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("%s must contain at most %s items", label, fe.Param())
		}
		return label + " is too long"
	default:
		return fmt.Sprintf("%s is invalid (%s)", label, fe.Tag())
	}
}

func humanize(field string) string {
	if field == "" {
		return "Value"
	}
	return strings.ToUpper(field[:1]) + field[1:]
}
