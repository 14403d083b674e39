// Package bootstrap carries the small listing set shown before any cache
// tier has answered.
package bootstrap

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"property-sync/models"
	"property-sync/services"
)

//go:embed bootstrap.json
var rawBootstrap []byte

// Raw returns the embedded records in upstream shape.
func Raw() ([]models.RawListing, error) {
	var raw []models.RawListing
	if err := json.Unmarshal(rawBootstrap, &raw); err != nil {
		return nil, fmt.Errorf("bootstrap: decode embedded data: %w", err)
	}
	return raw, nil
}

// Load normalizes and scores the embedded records.
func Load(n *services.Normalizer) ([]models.CanonicalListing, error) {
	raw, err := Raw()
	if err != nil {
		return nil, err
	}
	return n.NormalizeAll(raw), nil
}
