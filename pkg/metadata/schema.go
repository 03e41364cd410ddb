package metadata

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Issue codes.
const (
	CodeInvalidType   = "invalid_type"
	CodeTooSmall      = "too_small"
	CodeInvalidString = "invalid_string"
	CodeInvalidJSON   = "invalid_json"
)

// Issue is one schema violation.
type Issue struct {
	Code     string `json:"code"`
	Path     string `json:"path"`
	Message  string `json:"message"`
	Expected string `json:"expected,omitempty"`
	Received string `json:"received,omitempty"`
}

func (i Issue) String() string {
	if i.Code == CodeInvalidType {
		return fmt.Sprintf("%s %s - %s, expected %s", i.Message, i.Path, i.Code, i.Expected)
	}
	return fmt.Sprintf("%s %s - %s", i.Message, i.Path, i.Code)
}

// ValidationError carries every issue found in a manifest.
type ValidationError struct {
	Path   string
	Issues []Issue
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("found %d errors while validating metadata", len(e.Issues))
	}
	return fmt.Sprintf("found %d errors while validating metadata in %s", len(e.Issues), e.Path)
}

type manifest struct {
	Name              string `json:"name" validate:"required"`
	Version           string `json:"version" validate:"required,semver"`
	Author            string `json:"author" validate:"required"`
	Description       string `json:"description" validate:"required"`
	DocumentationLink string `json:"documentationLink" validate:"omitempty,url"`
	LeanixReport      report `json:"leanixReport"`
}

type report struct {
	ID            string         `json:"id" validate:"required"`
	Title         string         `json:"title" validate:"required"`
	DefaultConfig map[string]any `json:"defaultConfig"`
}

type field struct {
	path     string
	kind     string
	required bool
}

// schema lists every checked field in report order; parents precede children.
var schema = []field{
	{path: "name", kind: "string", required: true},
	{path: "version", kind: "string", required: true},
	{path: "author", kind: "string", required: true},
	{path: "description", kind: "string", required: true},
	{path: "documentationLink", kind: "string"},
	{path: "leanixReport", kind: "object", required: true},
	{path: "leanixReport.id", kind: "string", required: true},
	{path: "leanixReport.title", kind: "string", required: true},
	{path: "leanixReport.defaultConfig", kind: "object"},
}

func checkTypes(doc map[string]any) []Issue {
	var issues []Issue
	for _, f := range schema {
		if coveredBy(f.path, issues) {
			continue
		}
		value, present := lookup(doc, f.path)
		if !present {
			if f.required {
				issues = append(issues, Issue{
					Code:     CodeInvalidType,
					Path:     f.path,
					Message:  "Required",
					Expected: f.kind,
					Received: "undefined",
				})
			}
			continue
		}
		if got := jsonKind(value); got != f.kind {
			issues = append(issues, Issue{
				Code:     CodeInvalidType,
				Path:     f.path,
				Message:  fmt.Sprintf("Expected %s, received %s", f.kind, got),
				Expected: f.kind,
				Received: got,
			})
		}
	}
	return issues
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

func checkRules(m manifest, typeIssues []Issue) []Issue {
	err := structValidator().Struct(m)
	if err == nil {
		return nil
	}
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []Issue{{Code: CodeInvalidString, Message: err.Error()}}
	}

	var issues []Issue
	for _, fe := range fieldErrs {
		path := fe.Namespace()
		if idx := strings.Index(path, "."); idx >= 0 {
			path = path[idx+1:]
		}
		if coveredBy(path, typeIssues) {
			continue
		}
		issue := Issue{Path: path}
		switch fe.Tag() {
		case "required":
			issue.Code = CodeTooSmall
			issue.Message = "String must contain at least 1 character(s)"
		case "semver":
			issue.Code = CodeInvalidString
			issue.Message = fmt.Sprintf("Invalid semantic version %q", fe.Value())
		case "url":
			issue.Code = CodeInvalidString
			issue.Message = fmt.Sprintf("Invalid url %q", fe.Value())
		default:
			issue.Code = CodeInvalidString
			issue.Message = fmt.Sprintf("Failed %q rule", fe.Tag())
		}
		issues = append(issues, issue)
	}
	return issues
}

// coveredBy reports whether path or one of its parents already has an issue.
func coveredBy(path string, issues []Issue) bool {
	for _, issue := range issues {
		if issue.Path == path || strings.HasPrefix(path, issue.Path+".") {
			return true
		}
	}
	return false
}

func lookup(doc map[string]any, path string) (any, bool) {
	var current any = doc
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func sortIssues(issues []Issue) {
	order := make(map[string]int, len(schema))
	for i, f := range schema {
		order[f.path] = i
	}
	rank := func(path string) int {
		if idx, ok := order[path]; ok {
			return idx
		}
		return len(schema)
	}
	sort.SliceStable(issues, func(i, j int) bool {
		return rank(issues[i].Path) < rank(issues[j].Path)
	})
}
