// Package tag encodes and decodes the JSON product record written to NFC tags.
package tag

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
)

// ErrInvalidPayload is wrapped by every ValidationError.
var ErrInvalidPayload = errors.New("invalid product payload")

// ValidationError names the first field that failed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrInvalidPayload, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidPayload }

var validate *validator.Validate

// now is swapped in tests.
var now = time.Now

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := validate.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(err)
	}
}

// Validate checks the fields a payload needs before it can be written or paid.
func Validate(p ProductPayload) error {
	if err := validate.Struct(&p); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &ValidationError{Field: fe.Field(), Reason: reasonFor(fe)}
		}
		return &ValidationError{Field: "data", Reason: err.Error()}
	}
	return nil
}

func reasonFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "missing"
	case "notblank":
		return "blank"
	case "gt":
		return "must be greater than " + fe.Param()
	case "eth_addr":
		return "not a hex address"
	default:
		return "failed " + fe.Tag()
	}
}

// Encode serializes p inside a product envelope as UTF-8 JSON text.
func Encode(p ProductPayload) ([]byte, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Type:    EnvelopeTypeProduct,
		Version: EnvelopeVersion,
		Data:    p,
	})
}

// Decode parses a tag record. It either returns a fully valid payload or an
// error; it never returns a partially populated payload.
func Decode(raw []byte) (*ProductPayload, error) {
	if !utf8.Valid(raw) {
		return nil, &ValidationError{Field: "record", Reason: "not UTF-8 text"}
	}

	var env struct {
		Type    string          `json:"type"`
		Version string          `json:"version"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ValidationError{Field: "record", Reason: "invalid JSON: " + err.Error()}
	}
	if env.Type != EnvelopeTypeProduct {
		return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("unsupported envelope type %q", env.Type)}
	}
	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || data[0] != '{' {
		return nil, &ValidationError{Field: "data", Reason: "missing object"}
	}

	var p ProductPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &ValidationError{Field: "data", Reason: err.Error()}
	}
	if err := Validate(p); err != nil {
		return nil, err
	}

	p.Timestamp = now().UnixMilli()
	return &p, nil
}
