package validate

import (
	"net/url"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.mongodb.org/mongo-driver/v2/x/mongo/driver/connstring"
)

// validateMongoURI checks the syntax of a MongoDB connection string. SRV
// records are not resolved.
func validateMongoURI(fl validator.FieldLevel) bool {
	s := getStringValue(fl.Field())
	if s == "" {
		return true // use "required" to reject empty values
	}

	var rest string

	switch {
	case strings.HasPrefix(s, connstring.SchemeMongoDBSRV+"://"):
		rest = strings.TrimPrefix(s, connstring.SchemeMongoDBSRV+"://")
	case strings.HasPrefix(s, connstring.SchemeMongoDB+"://"):
		rest = strings.TrimPrefix(s, connstring.SchemeMongoDB+"://")
	default:
		return false
	}

	hosts, query, _ := strings.Cut(rest, "?")
	hosts, _, _ = strings.Cut(hosts, "/")

	if i := strings.LastIndex(hosts, "@"); i != -1 {
		hosts = hosts[i+1:]
	}

	for host := range strings.SplitSeq(hosts, ",") {
		if host == "" {
			return false
		}
	}

	_, err := url.ParseQuery(query)

	return err == nil
}

// validateRegexp checks that a string compiles as a regular expression.
func validateRegexp(fl validator.FieldLevel) bool {
	_, err := regexp.Compile(getStringValue(fl.Field()))

	return err == nil
}

func getStringValue(field reflect.Value) string {
	if field.Kind() == reflect.Ptr {
		if field.IsNil() {
			return ""
		}

		return field.Elem().String()
	}

	return field.String()
}
