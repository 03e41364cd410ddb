package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// FileName is the credentials file expected in the project root.
const FileName = "lxr.json"

var (
	// ErrNotFound reports that the credentials file does not exist.
	ErrNotFound = errors.New("credentials file not found")
	// ErrMalformed reports a credentials file that cannot be parsed or lacks required fields.
	ErrMalformed = errors.New("malformed credentials file")
)

// Credentials holds the workspace connection settings of a project.
type Credentials struct {
	Host     string `json:"host" yaml:"host"`
	APIToken string `json:"apitoken" yaml:"apitoken"`
	ProxyURL string `json:"proxyURL,omitempty" yaml:"proxyURL,omitempty"`
	Store    *Store `json:"store,omitempty" yaml:"store,omitempty"`
}

// Store targets a marketplace asset instead of the workspace.
type Store struct {
	AssetID  string `json:"assetId,omitempty" yaml:"assetId,omitempty"`
	Host     string `json:"host,omitempty" yaml:"host,omitempty"`
	APIToken string `json:"apitoken,omitempty" yaml:"apitoken,omitempty"`
}

// HasProxy reports whether outbound calls must go through a proxy.
func (c Credentials) HasProxy() bool {
	return strings.TrimSpace(c.ProxyURL) != ""
}

// TargetsStore reports whether uploads go to the store instead of the workspace.
func (c Credentials) TargetsStore() bool {
	return c.Store != nil && c.Store.AssetID != ""
}

// Error carries the path of the file that failed to load.
type Error struct {
	Path string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Kind == ErrNotFound {
		return fmt.Sprintf("%q file not found in your project root (%s)", filepath.Base(e.Path), e.Path)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Kind)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Load reads lxr.json from the project root.
func Load(root string) (Credentials, error) {
	return LoadFile(filepath.Join(root, FileName))
}

// LoadFile reads credentials from path. Files ending in .yaml or .yml are decoded as YAML,
// everything else as JSON with comments and trailing commas allowed.
func LoadFile(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Credentials{}, &Error{Path: path, Kind: ErrNotFound}
		}
		return Credentials{}, &Error{Path: path, Kind: ErrMalformed, Err: err}
	}

	creds, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return Credentials{}, &Error{Path: path, Kind: ErrMalformed, Err: err}
	}
	return creds, nil
}

// Parse decodes and validates credentials. ext selects the format (".yaml", ".yml" or JSON).
func Parse(data []byte, ext string) (Credentials, error) {
	var creds Credentials
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &creds); err != nil {
			return Credentials{}, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), &creds); err != nil {
			return Credentials{}, fmt.Errorf("parse json: %w", err)
		}
	}

	creds.Host = normalizeHost(creds.Host)
	creds.APIToken = strings.TrimSpace(creds.APIToken)
	creds.ProxyURL = strings.TrimSpace(creds.ProxyURL)
	if creds.Store != nil {
		creds.Store.Host = normalizeHost(creds.Store.Host)
		creds.Store.AssetID = strings.TrimSpace(creds.Store.AssetID)
	}

	if creds.Host == "" {
		return Credentials{}, errors.New("host is required")
	}
	if creds.APIToken == "" {
		return Credentials{}, errors.New("apitoken is required")
	}
	return creds, nil
}

func normalizeHost(host string) string {
	host = strings.TrimSpace(host)
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	return strings.TrimRight(host, "/")
}
