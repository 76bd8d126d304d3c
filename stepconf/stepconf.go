package stepconf

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// ErrNotStructPtr indicates a type is not a pointer to a struct.
var ErrNotStructPtr = errors.New("must be a pointer to a struct")

// ErrRequired indicates a required variable is not set.
var ErrRequired = errors.New("required variable is not present")

// ErrNotInOptions indicates a value is not among the allowed values.
var ErrNotInOptions = errors.New("value is not in value options")

// Secret variables are not shown in the printed output.
type Secret string

const secret = "*****"

// String implements fmt.Stringer.String.
// When a Secret is printed, it's masking the underlying string with asterisks.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return secret
}

// EnvGetter looks up environment variables. env.Repository implements it.
type EnvGetter interface {
	Get(key string) string
}

type osEnvGetter struct{}

func (osEnvGetter) Get(key string) string {
	return os.Getenv(key)
}

// Parse populates a struct with the retrieved values from environment variables
// described by struct tags and applies the defined validations.
func Parse(conf interface{}) error {
	return parse(conf, osEnvGetter{})
}

var durationType = reflect.TypeOf(time.Duration(0))

func parse(conf interface{}, envGetter EnvGetter) error {
	c := reflect.ValueOf(conf)
	if c.Kind() != reflect.Ptr {
		return ErrNotStructPtr
	}
	c = c.Elem()
	if c.Kind() != reflect.Struct {
		return ErrNotStructPtr
	}
	t := c.Type()

	var errs []string
	for i := 0; i < c.NumField(); i++ {
		tag, ok := t.Field(i).Tag.Lookup("env")
		if !ok {
			continue
		}
		key, constraint := parseTag(tag)
		value := envGetter.Get(key)

		if err := setField(c.Field(i), value, constraint); err != nil {
			errs = append(errs, fmt.Sprintf("- %s: %s", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to parse config:\n%s", strings.Join(errs, "\n"))
	}

	return nil
}

func parseTag(tag string) (string, string) {
	if i := strings.Index(tag, ","); i >= 0 {
		return tag[:i], tag[i+1:]
	}
	return tag, ""
}

func setField(field reflect.Value, value, constraint string) error {
	if err := validate(value, constraint); err != nil {
		return err
	}

	if value == "" {
		return nil
	}

	if field.Kind() == reflect.Ptr {
		ptr := reflect.New(field.Type().Elem())
		if err := setValue(ptr.Elem(), value); err != nil {
			return err
		}
		field.Set(ptr)
		return nil
	}

	return setValue(field, value)
}

func setValue(field reflect.Value, value string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("can't convert to duration: %v", err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := parseBool(value)
		if err != nil {
			return fmt.Errorf("can't convert to bool: %v", err)
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 0, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("can't convert to int: %v", err)
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 0, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("can't convert to uint: %v", err)
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("can't convert to float: %v", err)
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type())
		}
		field.Set(reflect.ValueOf(strings.Split(value, "|")).Convert(field.Type()))
	default:
		return fmt.Errorf("unsupported type: %s", field.Kind())
	}

	return nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "yes", "y":
		return true, nil
	case "no", "n":
		return false, nil
	}
	return strconv.ParseBool(value)
}

func validate(value, constraint string) error {
	switch constraint {
	case "":
		return nil
	case "required":
		if value == "" {
			return ErrRequired
		}
	case "file", "dir":
		return checkPath(value, constraint == "dir")
	default:
		if strings.HasPrefix(constraint, "opt[") && strings.HasSuffix(constraint, "]") {
			options := ValueOptions(constraint[len("opt[") : len(constraint)-1])
			for _, option := range options {
				if option == value {
					return nil
				}
			}
			return fmt.Errorf("%w: %q not in %v", ErrNotInOptions, value, options)
		}
		return fmt.Errorf("invalid constraint (%s)", constraint)
	}
	return nil
}

func checkPath(path string, dir bool) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("check path: %w", err)
	}
	if dir && !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	if !dir && info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}

// ValueOptions splits an options list. An option holding commas is wrapped in single quotes.
func ValueOptions(list string) []string {
	var options []string
	var current strings.Builder
	quoted := false

	for _, r := range list {
		switch {
		case r == '\'':
			quoted = !quoted
		case r == ',' && !quoted:
			options = append(options, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	options = append(options, current.String())

	return options
}
