// Package lens decodes and validates filter specifications coming from
// outside the pipeline: lens files on disk and HTTP request bodies.
package lens

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"property-sync/models"
)

var validate = validator.New()

// File is a saved lens: the filter plus the user it is applied for.
type File struct {
	User    *models.User      `json:"user,omitempty" yaml:"user,omitempty"`
	Filters models.FilterSpec `json:"filters" yaml:"filters"`
}

// LoadFile reads a lens from path. The format follows the extension:
// .yaml and .yml are YAML, anything else JSON.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("lens: read %s: %w", path, err)
	}
	f, err := Decode(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("lens: %s: %w", path, err)
	}
	return f, nil
}

// Decode parses and validates a lens document.
func Decode(data []byte, ext string) (*File, error) {
	var f File
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
	}
	if err := ValidateFile(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

// ValidateFile checks both halves of a lens.
func ValidateFile(f *File) error {
	if f.User != nil {
		if err := ValidateUser(f.User); err != nil {
			return err
		}
	}
	return ValidateSpec(f.Filters)
}

// ValidateSpec rejects unknown statuses, blank set members and inverted or
// negative ranges.
func ValidateSpec(spec models.FilterSpec) error {
	if err := validate.Struct(spec); err != nil {
		return describe(err)
	}
	var problems []string
	for name, r := range spec.Ranges() {
		if r == nil {
			continue
		}
		if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
			problems = append(problems, fmt.Sprintf("%s: min %g is above max %g", name, *r.Min, *r.Max))
		}
		if (r.Min != nil && *r.Min < 0) || (r.Max != nil && *r.Max < 0) {
			problems = append(problems, fmt.Sprintf("%s: bounds must not be negative", name))
		}
	}
	if len(problems) > 0 {
		slices.Sort(problems)
		return fmt.Errorf("invalid filter: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ValidateUser requires a username.
func ValidateUser(u *models.User) error {
	if err := validate.Struct(u); err != nil {
		return describe(err)
	}
	return nil
}

func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s (got %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return fmt.Errorf("invalid filter: %s", strings.Join(parts, "; "))
}
