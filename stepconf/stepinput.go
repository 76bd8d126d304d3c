package stepconf

import "fmt"

// InputParser fills an env tagged struct.
type InputParser interface {
	Parse(input interface{}) error
}

// Validator is implemented by inputs with rules that span several fields.
type Validator interface {
	Validate() error
}

type envInputParser struct {
	envGetter EnvGetter
}

// NewInputParser returns an InputParser reading values from envGetter.
// Inputs implementing Validator are validated once every field was parsed.
func NewInputParser(envGetter EnvGetter) InputParser {
	return envInputParser{envGetter: envGetter}
}

func (p envInputParser) Parse(input interface{}) error {
	if err := parse(input, p.envGetter); err != nil {
		return err
	}

	if v, ok := input.(Validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("invalid inputs: %w", err)
		}
	}
	return nil
}
