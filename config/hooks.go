package config

import (
	"reflect"
	"strconv"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/percona/percona-mongosync/sel"
)

// dbMapHookFunc decodes any supported database map form into [sel.DBMap].
func dbMapHookFunc() mapstructure.DecodeHookFuncType {
	dbMapType := reflect.TypeFor[sel.DBMap]()

	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != dbMapType {
			return data, nil
		}

		return sel.ParseDBMap(data)
	}
}

// secondsToDurationHookFunc reads bare numbers as seconds, so that
// "await: 2" in a config file means two seconds.
func secondsToDurationHookFunc() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeFor[time.Duration]()

	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != durationType || from == durationType {
			return data, nil
		}

		switch from.Kind() { //nolint:exhaustive
		case reflect.Int, reflect.Int32, reflect.Int64:
			return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
		case reflect.Float32, reflect.Float64:
			return time.Duration(reflect.ValueOf(data).Float() * float64(time.Second)), nil
		case reflect.String:
			s, _ := data.(string)

			sec, err := strconv.ParseFloat(s, 64)
			if err == nil {
				return time.Duration(sec * float64(time.Second)), nil
			}
		}

		return data, nil
	}
}
