package validation

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema names a request body schema under schemas/.
type Schema string

const (
	Auth                  Schema = "auth"
	CreateTask            Schema = "createTask"
	SubmitProof           Schema = "submitProof"
	ReviewSubmission      Schema = "reviewSubmission"
	WithdrawalRequest     Schema = "withdrawalRequest"
	WithdrawalComplete    Schema = "withdrawalComplete"
	Transfer              Schema = "transfer"
	Deposit               Schema = "deposit"
	BalanceAdjustment     Schema = "balanceAdjustment"
	AdminTaskReview       Schema = "adminTaskReview"
	AdminWithdrawalReview Schema = "adminWithdrawalReview"
	AdminUserUpdate       Schema = "adminUserUpdate"
	Reversal              Schema = "reversal"
)

const maxBodyBytes = 1 << 20

// ErrValidation can be used with errors.Is to detect rejected request bodies.
var ErrValidation = errors.New("validation failed")

//go:embed schemas/*.json
var schemaFS embed.FS

type Validator struct {
	schemas map[Schema]*jsonschema.Schema
}

// New compiles every embedded schema. Format keywords (date-time, uri) are
// asserted.
func New() (*Validator, error) {
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat = true

	names := make([]Schema, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", e.Name(), err)
		}
		name := Schema(strings.TrimSuffix(e.Name(), ".json"))
		if err := c.AddResource(schemaURL(name), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema %q: %w", name, err)
		}
		names = append(names, name)
	}

	schemas := make(map[Schema]*jsonschema.Schema, len(names))
	for _, name := range names {
		s, err := c.Compile(schemaURL(name))
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", name, err)
		}
		schemas[name] = s
	}
	return &Validator{schemas: schemas}, nil
}

func schemaURL(name Schema) string {
	return "https://taskearn.app/schemas/" + string(name) + ".json"
}

// Validate checks a raw JSON document against the named schema.
func (v *Validator) Validate(name Schema, body []byte) error {
	schema, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s", ErrValidation, describe(err))
	}
	return nil
}

// Decode reads the request body, validates it and unmarshals it into dst.
func (v *Validator) Decode(r *http.Request, name Schema, dst interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrValidation, err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	if err := v.Validate(name, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// describe flattens the innermost schema failures into one line.
func describe(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	var parts []string
	var walk func(e *jsonschema.ValidationError)
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
