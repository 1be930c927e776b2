// Package validation provides request validation for the settlement API.
package validation

import (
	"errors"
	"net/http"
	"reflect"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/cropstack/settlement/internal/idgen"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 2000

// partyIDRegex matches caller-supplied party identifiers (buyers, sellers, verifiers).
var partyIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:@-]{0,127}$`)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	validate.RegisterCustomTypeFunc(func(v reflect.Value) interface{} {
		if d, ok := v.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})
	_ = validate.RegisterValidation("positive_decimal", validatePositiveDecimal)
	_ = validate.RegisterValidation("party_id", validatePartyID)
	_ = validate.RegisterValidation("pledge_code", validatePledgeCode)
}

func validatePositiveDecimal(fl validator.FieldLevel) bool {
	d, err := decimal.NewFromString(fl.Field().String())
	return err == nil && d.IsPositive()
}

func validatePartyID(fl validator.FieldLevel) bool {
	return IsValidPartyID(fl.Field().String())
}

func validatePledgeCode(fl validator.FieldLevel) bool {
	return idgen.IsPledgeCode(fl.Field().String())
}

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidPartyID checks a buyer, seller or verifier identifier.
func IsValidPartyID(id string) bool {
	return partyIDRegex.MatchString(id)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Struct runs the `validate` struct tags on s.
func Struct(s interface{}) ValidationErrors {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return ValidationErrors{{Field: "request", Message: err.Error()}}
	}
	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{Field: fe.Field(), Message: message(fe)})
	}
	return out
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt", "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "positive_decimal":
		return "must be a positive decimal amount"
	case "party_id":
		return "must be a valid party identifier"
	case "pledge_code":
		return "must look like PLG-XXXX-XXXX"
	default:
		return "is invalid"
	}
}

// Validate runs field checks and collects their errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// PositiveAmount checks that a money field is greater than zero and has at
// most two decimal places.
func PositiveAmount(field string, value decimal.Decimal) func() *ValidationError {
	return func() *ValidationError {
		if !value.IsPositive() {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		if value.Exponent() < -2 && !value.Equal(value.Round(2)) {
			return &ValidationError{Field: field, Message: "must have at most two decimal places"}
		}
		return nil
	}
}

// IDParamMiddleware rejects requests whose :name URL parameter is missing
// the given prefix.
func IDParamMiddleware(name, prefix string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param(name)
		if id != "" && !strings.HasPrefix(id, prefix) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": name + " must start with " + prefix,
			})
			return
		}
		c.Next()
	}
}

// Respond writes the standard 400 body for validation failures.
func Respond(c *gin.Context, errs ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}
