package render

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/nkiryanov/machinepay/internal/models"
)

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("amount", validateAmount)
	_ = v.RegisterValidation("decimal", validateDecimal)
	_ = v.RegisterValidation("currency", validateCurrency)
	v.RegisterTagNameFunc(useJSONTagNames)
	return v
}

func useJSONTagNames(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	// skip if tag key says it should be ignored
	if name == "-" {
		return ""
	}
	return name
}

// Positive decimal string
func validateAmount(fl validator.FieldLevel) bool {
	d, err := decimal.NewFromString(fl.Field().String())
	return err == nil && d.IsPositive()
}

// Non negative decimal string
func validateDecimal(fl validator.FieldLevel) bool {
	d, err := decimal.NewFromString(fl.Field().String())
	return err == nil && !d.IsNegative()
}

func validateCurrency(fl validator.FieldLevel) bool {
	_, ok := models.ParseCurrency(fl.Field().String())
	return ok
}
