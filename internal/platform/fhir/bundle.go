package fhir

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bundle is the searchset Bundle returned by an upstream FHIR server.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string        `json:"fullUrl,omitempty"`
	Resource Document      `json:"resource,omitempty"`
	Search   *BundleSearch `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode  string   `json:"mode,omitempty"`
	Score *float64 `json:"score,omitempty"`
}

// Resources returns the non-empty entry resources in bundle order.
func (b *Bundle) Resources() []Document {
	if b == nil {
		return nil
	}
	out := make([]Document, 0, len(b.Entry))
	for _, e := range b.Entry {
		if e.Resource != nil {
			out = append(out, e.Resource)
		}
	}
	return out
}

// TotalOr returns Bundle.total when the server reported one, else def.
func (b *Bundle) TotalOr(def int) int {
	if b == nil || b.Total == nil {
		return def
	}
	return *b.Total
}

// DecodeBundle parses a searchset Bundle.
func DecodeBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if b.ResourceType != "" && b.ResourceType != "Bundle" {
		return nil, fmt.Errorf("decode bundle: unexpected resourceType %q", b.ResourceType)
	}
	return &b, nil
}

// CapabilityStatement holds the parts of /metadata used for connection checks.
type CapabilityStatement struct {
	ResourceType string   `json:"resourceType"`
	Status       string   `json:"status,omitempty"`
	FHIRVersion  string   `json:"fhirVersion"`
	Format       []string `json:"format,omitempty"`
	Software     *struct {
		Name    string `json:"name,omitempty"`
		Version string `json:"version,omitempty"`
	} `json:"software,omitempty"`
}
