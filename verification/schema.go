package verification

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var verdictSchemaLoader = gojsonschema.NewStringLoader(verdictSchema)

func validateAgainstSchema(raw []byte) error {
	result, err := gojsonschema.Validate(verdictSchemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("error running verdict schema validation: %w", err)
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return fmt.Errorf("verdict failed schema validation: %s", strings.Join(problems, "; "))
}
