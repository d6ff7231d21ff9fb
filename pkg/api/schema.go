package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/MarcoBrian/OpenAudit/pkg/errcode"
)

// maxBody bounds request bodies.
const maxBody = 1 << 20

const amountSchema = `{"oneOf": [
	{"type": "string", "pattern": "^[0-9]*\\.?[0-9]+$"},
	{"type": "number", "minimum": 0}
]}`

var requestSchemas = map[string]string{
	"bridge": `{
		"type": "object",
		"required": ["amount", "recipient"],
		"additionalProperties": false,
		"properties": {
			"amount": ` + amountSchema + `,
			"recipient": {"type": "string", "minLength": 1, "maxLength": 128},
			"destination": {"type": "string", "maxLength": 64}
		}
	}`,
	"settle": `{
		"type": "object",
		"required": ["bounty_id", "winner", "amount"],
		"additionalProperties": false,
		"properties": {
			"bounty_id": {"type": "integer", "minimum": 1},
			"winner": {"type": "string", "pattern": "^0[xX][0-9a-fA-F]{40}$"},
			"amount": ` + amountSchema + `,
			"destination": {"type": "string", "maxLength": 64}
		}
	}`,
	"estimate": `{
		"type": "object",
		"required": ["amount"],
		"additionalProperties": false,
		"properties": {
			"amount": ` + amountSchema + `,
			"destination": {"type": "string", "maxLength": 64}
		}
	}`,
}

// Validator checks request bodies against the compiled schemas.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles the request schemas.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(requestSchemas))}
	for name, src := range requestSchemas {
		url := "https://openaudit.dev/schemas/" + name + ".json"
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("load schema %s: %w", name, err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		v.schemas[name] = s
	}
	return v, nil
}

// Decode reads r's body, validates it against schema name and unmarshals it
// into dst. Failures are coded validation errors.
func (v *Validator) Decode(w http.ResponseWriter, r *http.Request, name string, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		return errcode.InvalidRequest.Withf("body unreadable or too large")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return errcode.InvalidRequest.Withf("malformed JSON: %v", err)
	}
	schema, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("api: unknown schema %q", name)
	}
	if err := schema.Validate(doc); err != nil {
		return errcode.InvalidRequest.Withf("%s", validationDetail(err))
	}
	if err := json.Unmarshal(body, dst); err != nil {
		if ce, ok := errcode.As(err); ok {
			return ce
		}
		return errcode.InvalidRequest.Withf("%v", err)
	}
	return nil
}

// validationDetail flattens a schema error to its leaf causes.
func validationDetail(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	var parts []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			parts = append(parts, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(parts, "; ")
}
