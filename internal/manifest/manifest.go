// Package manifest loads and validates handoff manifests.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"kse/internal/domain"
)

// DefaultOntologyMaxAge bounds how old an ontology validation record may be.
const DefaultOntologyMaxAge = 30 * 24 * time.Hour

var passingOntologyResults = map[string]bool{
	"passed":  true,
	"pass":    true,
	"ok":      true,
	"success": true,
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Loader reads manifests from disk. The zero value is usable and requires
// a recent ontology validation record.
type Loader struct {
	Now            func() time.Time
	OntologyMaxAge time.Duration
	// OntologyOptional skips the ontology checks; the release gate then
	// decides whether a missing record matters.
	OntologyOptional bool
}

func (l Loader) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Load reads, parses and validates the manifest at path.
func (l Loader) Load(path string) (*domain.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return l.Parse(data)
}

// Parse decodes a JSON or YAML manifest and validates it.
func (l Loader) Parse(data []byte) (*domain.Manifest, error) {
	var m domain.Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &domain.ValidationError{Issues: []string{fmt.Sprintf("manifest is not valid JSON or YAML: %v", err)}}
	}
	if err := l.Validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks every constraint and reports all issues at once.
func (l Loader) Validate(m *domain.Manifest) error {
	var issues []string
	if err := validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			issues = append(issues, describe(fe))
		}
	}
	issues = append(issues, l.graphIssues(m)...)
	if !l.OntologyOptional {
		issues = append(issues, l.ontologyIssues(m.OntologyValidation)...)
	}
	if len(issues) > 0 {
		return &domain.ValidationError{Issues: issues}
	}
	return nil
}

func (l Loader) graphIssues(m *domain.Manifest) []string {
	var issues []string
	seen := make(map[string]bool, len(m.Specs))
	for _, s := range m.Specs {
		if s.ID == "" {
			continue
		}
		if seen[s.ID] {
			issues = append(issues, fmt.Sprintf("specs: duplicate id %q", s.ID))
		}
		seen[s.ID] = true
	}
	for _, s := range m.Specs {
		for _, dep := range s.DependsOn {
			switch {
			case dep == "":
			case !seen[dep]:
				issues = append(issues, fmt.Sprintf("specs[%s].depends_on: unknown spec %q", s.ID, dep))
			}
		}
	}
	return issues
}

func (l Loader) ontologyIssues(ov *domain.OntologyValidation) []string {
	if ov == nil {
		return []string{"ontology_validation: record is required"}
	}
	var issues []string
	ts := strings.TrimSpace(ov.Timestamp)
	if ts == "" {
		issues = append(issues, "ontology_validation.timestamp: is required")
	} else if at, err := time.Parse(time.RFC3339, ts); err != nil {
		issues = append(issues, fmt.Sprintf("ontology_validation.timestamp: %q is not RFC3339", ts))
	} else {
		maxAge := l.OntologyMaxAge
		if maxAge <= 0 {
			maxAge = DefaultOntologyMaxAge
		}
		if age := l.now().Sub(at); age > maxAge {
			issues = append(issues, fmt.Sprintf("ontology_validation.timestamp: record is %s old, limit %s", age.Truncate(time.Hour), maxAge))
		}
	}
	if result := OntologyOutcome(ov); result != "" && !passingOntologyResults[result] {
		issues = append(issues, fmt.Sprintf("ontology_validation.result: %q is not a passing result", result))
	}
	return issues
}

// OntologyOutcome returns the normalised status/result of a record.
func OntologyOutcome(ov *domain.OntologyValidation) string {
	if ov == nil {
		return ""
	}
	if s := strings.ToLower(strings.TrimSpace(ov.Status)); s != "" {
		return s
	}
	return strings.ToLower(strings.TrimSpace(ov.Result))
}

// OntologyPresent reports whether the manifest carries a recent, passing
// ontology validation record.
func (l Loader) OntologyPresent(m *domain.Manifest) bool {
	if m == nil || m.OntologyValidation == nil {
		return false
	}
	return len(l.ontologyIssues(m.OntologyValidation)) == 0
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s: is required", field)
	case "min":
		return fmt.Sprintf("%s: must contain at least %s item(s)", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s: %q must be one of %s", field, fe.Value(), fe.Param())
	default:
		return fmt.Sprintf("%s: failed %s", field, fe.Tag())
	}
}
