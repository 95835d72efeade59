package fhir

import (
	"errors"
	"fmt"
	"strings"
)

// MaxDepth bounds recursion when walking a resource. Real FHIR resources stay
// well under 20 levels.
const MaxDepth = 64

// ErrMaxDepth is returned when a resource nests deeper than MaxDepth.
var ErrMaxDepth = errors.New("resource nesting exceeds maximum depth")

// ExtractReferences walks the resource depth-first and returns every object
// that carries a "reference" key, at any depth and inside arrays. Objects are
// returned in walk order; map iteration is sorted so the order is stable.
func ExtractReferences(doc Document) ([]Document, error) {
	var refs []Document
	if err := walkReferences(map[string]interface{}(doc), 0, &refs); err != nil {
		return nil, err
	}
	return refs, nil
}

func walkReferences(v interface{}, depth int, refs *[]Document) error {
	if depth > MaxDepth {
		return ErrMaxDepth
	}
	switch KindOf(v) {
	case KindObject:
		obj, _ := AsObject(v)
		if _, ok := obj["reference"]; ok {
			*refs = append(*refs, obj)
		}
		for _, key := range sortedKeys(obj) {
			if err := walkReferences(obj[key], depth+1, refs); err != nil {
				return err
			}
		}
	case KindArray:
		for _, item := range v.([]interface{}) {
			if err := walkReferences(item, depth+1, refs); err != nil {
				return err
			}
		}
	}
	return nil
}

// Reference is a parsed literal reference of the form "ResourceType/id".
type Reference struct {
	ResourceType string
	ID           string
}

// ParseReference splits a literal reference on its first "/". Anything after
// the type (including "_history/n" suffixes) is kept as the id.
func ParseReference(ref string) (Reference, error) {
	rt, id, found := strings.Cut(ref, "/")
	if !found || rt == "" || id == "" {
		return Reference{}, fmt.Errorf("invalid reference format %q; expected 'ResourceType/id'", ref)
	}
	return Reference{ResourceType: rt, ID: id}, nil
}
