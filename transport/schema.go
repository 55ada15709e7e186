package transport

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cuejson "cuelang.org/go/encoding/json"

	"github.com/goliatone/go-mcp-inspector/core"
)

const toolInputSchemaSource = `
#ToolInputSchema: {
	type!:       "object"
	properties?: {[string]: {...}}
	required?:   [...string]
	...
}
`

// SchemaValidator checks tool input schemas against #ToolInputSchema.
type SchemaValidator struct {
	once       sync.Once
	mu         sync.Mutex
	ctx        *cue.Context
	definition cue.Value
	initErr    error
}

var _ core.SchemaValidator = (*SchemaValidator)(nil)

func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{}
}

func (v *SchemaValidator) init() {
	v.once.Do(func() {
		v.ctx = cuecontext.New()
		compiled := v.ctx.CompileString(toolInputSchemaSource)
		if err := compiled.Err(); err != nil {
			v.initErr = err
			return
		}
		v.definition = compiled.LookupPath(cue.ParsePath("#ToolInputSchema"))
		v.initErr = v.definition.Err()
	})
}

// ValidateToolSchema reports whether schema unifies with the definition and
// every required entry names a declared property.
func (v *SchemaValidator) ValidateToolSchema(schema json.RawMessage) (bool, []string) {
	if len(strings.TrimSpace(string(schema))) == 0 {
		return false, []string{"schema is empty"}
	}
	v.init()
	if v.initErr != nil {
		return false, []string{"schema definition: " + v.initErr.Error()}
	}

	expr, err := cuejson.Extract("inputSchema.json", schema)
	if err != nil {
		return false, []string{"schema is not valid json: " + err.Error()}
	}

	v.mu.Lock()
	value := v.ctx.BuildExpr(expr)
	unified := v.definition.Unify(value)
	validateErr := unified.Validate(cue.Concrete(true))
	v.mu.Unlock()

	var issues []string
	if validateErr != nil {
		for _, issue := range cueerrors.Errors(validateErr) {
			issues = append(issues, issue.Error())
		}
		if len(issues) == 0 {
			issues = append(issues, validateErr.Error())
		}
	}
	issues = append(issues, undeclaredRequired(schema)...)
	sort.Strings(issues)
	return len(issues) == 0, issues
}

func undeclaredRequired(schema json.RawMessage) []string {
	var shape struct {
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	if err := json.Unmarshal(schema, &shape); err != nil {
		return nil
	}
	var issues []string
	for _, name := range shape.Required {
		if _, ok := shape.Properties[name]; !ok {
			issues = append(issues, fmt.Sprintf("required property %q is not declared", name))
		}
	}
	return issues
}
