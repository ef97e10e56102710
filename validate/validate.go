// Package validate provides job file validation using go-playground/validator.
package validate

import (
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	instance *validator.Validate //nolint:gochecknoglobals
	once     sync.Once           //nolint:gochecknoglobals
)

// Validator returns the singleton validator instance.
func Validator() *validator.Validate {
	once.Do(func() {
		instance = validator.New(validator.WithRequiredStructEnabled())
		registerCustomValidators(instance)
		registerTagNameFunc(instance)
	})

	return instance
}

func registerCustomValidators(v *validator.Validate) {
	_ = v.RegisterValidation("mongouri", validateMongoURI)
	_ = v.RegisterValidation("regexp", validateRegexp)
}

// registerTagNameFunc uses the YAML key names in error messages.
func registerTagNameFunc(v *validator.Validate) {
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range []string{"yaml", "json"} {
			name, _, _ := strings.Cut(fld.Tag.Get(tag), ",")
			if name == "-" {
				return fld.Name
			}

			if name != "" {
				return name
			}
		}

		return fld.Name
	})
}

// Struct validates a struct using the singleton validator.
func Struct(s any) error {
	return TranslateErrors(Validator().Struct(s))
}
