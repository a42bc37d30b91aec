package server

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/summa-ledger/summad/internal/core/ledger"
)

// FieldKind is the declared type of a body field.
type FieldKind int

const (
	KindString FieldKind = iota
	KindAmount           // positive integer
	KindInt
	KindNumber
	KindBool
	KindObject
	KindArray
)

// Field declares one body field for positive validation.
type Field struct {
	Name     string
	Kind     FieldKind
	Required bool
	Enum     []string
}

// decodeBody parses a JSON object body. Numbers are kept as json.Number
// so integer amounts survive exactly.
func decodeBody(raw []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return nil, ledger.NewError(ledger.CodeInvalidArgument, "request body must be a JSON object")
	}
	return body, nil
}

// validateBody checks every declared field's presence and type. Fields
// not declared are rejected, which keeps typos loud.
func validateBody(body map[string]any, fields []Field) error {
	declared := map[string]Field{}
	for _, f := range fields {
		declared[f.Name] = f
		v, ok := body[f.Name]
		if !ok || v == nil {
			if f.Required {
				return ledger.NewError(ledger.CodeInvalidArgument, f.Name+" is required")
			}
			continue
		}
		if err := checkKind(f, v); err != nil {
			return err
		}
	}
	for name := range body {
		if _, ok := declared[name]; !ok {
			return ledger.NewError(ledger.CodeInvalidArgument, "unknown field "+name)
		}
	}
	return nil
}

func checkKind(f Field, v any) error {
	switch f.Kind {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return typeErr(f.Name, "a string")
		}
		if len(f.Enum) > 0 {
			for _, e := range f.Enum {
				if s == e {
					return nil
				}
			}
			return ledger.NewError(ledger.CodeInvalidArgument,
				fmt.Sprintf("%s must be one of %v", f.Name, f.Enum))
		}
	case KindAmount:
		n, err := intValue(v)
		if err != nil || n <= 0 {
			return ledger.NewError(ledger.CodeInvalidArgument, f.Name+" must be a positive integer")
		}
	case KindInt:
		if _, err := intValue(v); err != nil {
			return typeErr(f.Name, "an integer")
		}
	case KindNumber:
		if _, ok := v.(json.Number); !ok {
			return typeErr(f.Name, "a number")
		}
	case KindBool:
		if _, ok := v.(bool); !ok {
			return typeErr(f.Name, "a boolean")
		}
	case KindObject:
		if _, ok := v.(map[string]any); !ok {
			return typeErr(f.Name, "an object")
		}
	case KindArray:
		if _, ok := v.([]any); !ok {
			return typeErr(f.Name, "an array")
		}
	}
	return nil
}

func typeErr(name, want string) error {
	return ledger.NewError(ledger.CodeInvalidArgument, name+" must be "+want)
}

func intValue(v any) (int64, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("not a number")
	}
	return n.Int64()
}

// Body accessors used by handlers after validation.

func bodyString(body map[string]any, name string) string {
	s, _ := body[name].(string)
	return s
}

func bodyInt(body map[string]any, name string) int64 {
	n, err := intValue(body[name])
	if err != nil {
		return 0
	}
	return n
}

func bodyIntPtr(body map[string]any, name string) *int64 {
	if body[name] == nil {
		return nil
	}
	n, err := intValue(body[name])
	if err != nil {
		return nil
	}
	return &n
}

func bodyBool(body map[string]any, name string) bool {
	b, _ := body[name].(bool)
	return b
}

func bodyFloatPtr(body map[string]any, name string) *float64 {
	n, ok := body[name].(json.Number)
	if !ok {
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil
	}
	return &f
}

func bodyObject(body map[string]any, name string) map[string]any {
	m, _ := body[name].(map[string]any)
	return m
}
