package stepconf

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/bitrise-io/go-utils/colorstring"
)

const unset = "<unset>"

// Print the name of the struct with Title case in blue color followed by a newline,
// then print all fields formatted as '- field name: field value` separated by newline.
// Secret values are masked.
func Print(config interface{}) {
	fmt.Print(toString(config))
}

func valueString(v reflect.Value) string {
	if v.Kind() != reflect.Ptr {
		return fmt.Sprintf("%v", v.Interface())
	}

	if !v.IsNil() {
		return fmt.Sprintf("%v", v.Elem().Interface())
	}

	return ""
}

func toString(config interface{}) string {
	v := reflect.ValueOf(config)
	t := reflect.TypeOf(config)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
		t = t.Elem()
	}

	str := fmt.Sprint(colorstring.Bluef("%s:\n", titleCase(t.Name())))
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue
		}

		name := field.Name
		if tag, ok := field.Tag.Lookup("env"); ok {
			name, _ = parseTag(tag)
		}

		value := unset
		if !v.Field(i).IsZero() {
			value = valueString(v.Field(i))
		}

		str += fmt.Sprintf("- %s: %s\n", name, value)
	}

	return str
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
