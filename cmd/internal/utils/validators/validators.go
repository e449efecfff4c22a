package validators

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/gommon/log"
)

var hasSpaces = regexp.MustCompile(`\s+`)

// New returns a validator that reports fields by their json names and knows
// the relay's custom tags.
func New() *validator.Validate {
	validate := validator.New()
	validate.RegisterTagNameFunc(jsonName)

	if err := validate.RegisterValidation("identifier", Identifier); err != nil {
		log.Fatalf("failed to register identifier validator: %v", err)
	}
	if err := validate.RegisterValidation("jsonpayload", JSONPayload); err != nil {
		log.Fatalf("failed to register jsonpayload validator: %v", err)
	}
	return validate
}

// Identifier accepts opaque ids: no whitespace and no commas, since
// conversation lists travel comma separated.
func Identifier(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	return val != "" && !hasSpaces.MatchString(val) && !strings.Contains(val, ",")
}

// JSONPayload rejects empty and literal null raw messages.
func JSONPayload(fl validator.FieldLevel) bool {
	field := fl.Field()
	if field.Kind() != reflect.Slice {
		return false
	}
	raw := strings.TrimSpace(string(field.Bytes()))
	return raw != "" && raw != "null"
}

func jsonName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	if name == "" {
		return fld.Name
	}
	return name
}
