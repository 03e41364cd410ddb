package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// DefaultPath is the manifest read when no override is configured.
const DefaultPath = "package.json"

// CustomReportMetadata describes a report as it is registered with the workspace.
type CustomReportMetadata struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Title             string         `json:"title"`
	Version           string         `json:"version"`
	Author            string         `json:"author"`
	Description       string         `json:"description"`
	DocumentationLink string         `json:"documentationLink,omitempty"`
	DefaultConfig     map[string]any `json:"defaultConfig"`
}

// ErrNotFound is matched by *NotFoundError.
var ErrNotFound = errors.New("metadata file not found")

// NotFoundError reports the manifest path that was attempted.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("could not find metadata file at %q", e.Path)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Read loads and validates the manifest at path. An empty path reads DefaultPath.
func Read(path string) (CustomReportMetadata, error) {
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return CustomReportMetadata{}, &NotFoundError{Path: path}
		}
		return CustomReportMetadata{}, fmt.Errorf("read metadata: %w", err)
	}

	md, err := Parse(data)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			verr.Path = path
		}
		return CustomReportMetadata{}, err
	}
	return md, nil
}

// ReadDev is the lenient variant used while developing: any failure yields nil.
func ReadDev(path string) *CustomReportMetadata {
	md, err := Read(path)
	if err != nil {
		return nil
	}
	return &md
}

// Parse validates a manifest document and returns the report metadata it declares.
func Parse(data []byte) (CustomReportMetadata, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return CustomReportMetadata{}, &ValidationError{Issues: []Issue{{
			Code:    CodeInvalidJSON,
			Message: err.Error(),
		}}}
	}

	issues := checkTypes(doc)

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return CustomReportMetadata{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	issues = append(issues, checkRules(m, issues)...)
	if len(issues) > 0 {
		sortIssues(issues)
		return CustomReportMetadata{}, &ValidationError{Issues: issues}
	}

	defaultConfig := m.LeanixReport.DefaultConfig
	if defaultConfig == nil {
		defaultConfig = map[string]any{}
	}
	return CustomReportMetadata{
		ID:                m.LeanixReport.ID,
		Name:              m.Name,
		Title:             m.LeanixReport.Title,
		Version:           m.Version,
		Author:            m.Author,
		Description:       m.Description,
		DocumentationLink: m.DocumentationLink,
		DefaultConfig:     defaultConfig,
	}, nil
}
