package bundler

import (
	"io"
	"net/http"
	"time"

	"github.com/SAP/leanix-custom-report-tools/pkg/credentials"
	"github.com/SAP/leanix-custom-report-tools/pkg/metadata"
)

// BuildConfig configures bundle creation.
type BuildConfig struct {
	Metadata  metadata.CustomReportMetadata
	OutputDir string
	// Output is the bundle path; defaults to bundle.tgz next to OutputDir.
	Output string
	Stdout io.Writer
}

// UploadConfig configures a bundle upload.
type UploadConfig struct {
	BundlePath  string
	BearerToken string
	ProxyURL    string
	Store       *credentials.Store
	// InstanceURL is the workspace base URL; derived from the bearer token's claims when empty.
	InstanceURL string
	HTTPClient  *http.Client
	Timeout     time.Duration
}
