// Package openapi loads the service's embedded OpenAPI description, indexes
// its operations by operationId and validates request bodies against the
// operation schemas.
package openapi

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/traveler/model"
)

//go:embed api.yaml
var apiSpec []byte

// Spec returns the raw embedded OpenAPI document.
func Spec() []byte {
	return apiSpec
}

// IndexedOperation holds a resolved OpenAPI operation.
type IndexedOperation struct {
	OperationID  string
	Method       string
	PathTemplate string
	Parameters   []*openapi3.Parameter
	RequestBody  *openapi3.RequestBody
}

// Index is an in-memory index of operations keyed by operationId.
type Index struct {
	doc        *openapi3.T
	operations map[string]IndexedOperation
}

// Load parses and validates the embedded document.
func Load() (*Index, error) {
	return LoadData(apiSpec)
}

// LoadData parses and validates an OpenAPI document and indexes every
// operation that has an operationId.
func LoadData(data []byte) (*Index, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("openapi: loading document: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("openapi: validating document: %w", err)
	}

	idx := &Index{doc: doc, operations: make(map[string]IndexedOperation)}
	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			if op.OperationID == "" {
				continue
			}

			params := make([]*openapi3.Parameter, 0, len(item.Parameters)+len(op.Parameters))
			for _, refs := range []openapi3.Parameters{item.Parameters, op.Parameters} {
				for _, ref := range refs {
					if ref.Value != nil {
						params = append(params, ref.Value)
					}
				}
			}

			var body *openapi3.RequestBody
			if op.RequestBody != nil {
				body = op.RequestBody.Value
			}

			idx.operations[op.OperationID] = IndexedOperation{
				OperationID:  op.OperationID,
				Method:       method,
				PathTemplate: path,
				Parameters:   params,
				RequestBody:  body,
			}
		}
	}
	return idx, nil
}

// Version returns the document's info.version.
func (idx *Index) Version() string {
	return idx.doc.Info.Version
}

// GetOperation returns the operation with the given id.
func (idx *Index) GetOperation(operationID string) (IndexedOperation, bool) {
	op, ok := idx.operations[operationID]
	return op, ok
}

// OperationIDs returns all indexed operation ids, sorted.
func (idx *Index) OperationIDs() []string {
	ids := make([]string, 0, len(idx.operations))
	for id := range idx.operations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateBody checks a decoded JSON body against the operation's
// application/json request schema. It returns nil when the body is valid or
// the operation declares no schema.
func (idx *Index) ValidateBody(operationID string, body any) []model.FieldError {
	op, ok := idx.operations[operationID]
	if !ok {
		return []model.FieldError{{
			Field:   "operation",
			Code:    "UNKNOWN_OPERATION",
			Message: fmt.Sprintf("operation %q is not described", operationID),
		}}
	}
	if op.RequestBody == nil {
		return nil
	}
	mt := op.RequestBody.Content.Get("application/json")
	if mt == nil || mt.Schema == nil || mt.Schema.Value == nil {
		return nil
	}

	err := mt.Schema.Value.VisitJSON(body, openapi3.MultiErrors())
	if err == nil {
		return nil
	}

	var multi openapi3.MultiError
	if !errors.As(err, &multi) {
		multi = openapi3.MultiError{err}
	}
	out := make([]model.FieldError, 0, len(multi))
	for _, e := range multi {
		out = append(out, fieldError(e))
	}
	return out
}

func fieldError(err error) model.FieldError {
	var se *openapi3.SchemaError
	if !errors.As(err, &se) {
		return model.FieldError{Field: "body", Code: "INVALID", Message: err.Error()}
	}
	field := strings.Join(se.JSONPointer(), ".")
	if field == "" {
		field = "body"
	}
	code := "INVALID"
	switch se.SchemaField {
	case "required":
		code = "REQUIRED"
	case "type":
		code = "TYPE"
	case "enum":
		code = "INVALID_ENUM"
	}
	return model.FieldError{Field: field, Code: code, Message: se.Reason}
}
