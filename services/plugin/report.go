package plugin

import (
	"encoding/json"
	"errors"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/SAP/leanix-custom-report-tools/pkg/auth"
	"github.com/SAP/leanix-custom-report-tools/pkg/credentials"
	"github.com/SAP/leanix-custom-report-tools/pkg/metadata"
	"github.com/SAP/leanix-custom-report-tools/services/bundler"
)

// Report logs the diagnostic for a hook error and returns the process exit code.
func Report(logger zerolog.Logger, err error) int {
	if err == nil {
		return 0
	}

	var (
		credErr  *credentials.Error
		notFound *metadata.NotFoundError
		invalid  *metadata.ValidationError
		rejected *bundler.RejectedError
	)
	switch {
	case errors.Is(err, credentials.ErrNotFound):
		name := credentials.FileName
		if errors.As(err, &credErr) && credErr.Path != "" {
			name = filepath.Base(credErr.Path)
		}
		logger.Error().Err(err).Msgf("Error: %q file not found in your project root", name)

	case errors.Is(err, credentials.ErrMalformed):
		logger.Error().Err(err).Msg("Error: credentials file is malformed")

	case errors.Is(err, auth.ErrUnauthorized):
		logger.Error().Msg("Invalid API token")

	case errors.Is(err, auth.ErrRequest):
		logger.Error().Err(err).Msg("Could not obtain an access token")

	case errors.As(err, &notFound):
		logger.Error().Msgf("Could not find metadata file at %q", notFound.Path)
		logger.Warn().Msg("Have you initialized this project?")

	case errors.As(err, &invalid):
		logger.Error().Msgf("Found %d errors while validating metadata", len(invalid.Issues))
		for i, issue := range invalid.Issues {
			logger.Error().Msgf("#%d %s", i+1, issue.String())
		}

	case errors.Is(err, bundler.ErrBuild):
		logger.Error().Err(err).Msg("Error while creating project bundle")

	case errors.As(err, &rejected):
		logger.Error().Msg(`Error while uploading project to workspace, check your "package.json" file...`)
		logger.Error().Msg(rejectionPayload(rejected.Result))

	case errors.Is(err, bundler.ErrUpload):
		logger.Error().Err(err).Msg("Error while uploading project to workspace")

	default:
		logger.Error().Err(err).Msg("Unknown error")
	}
	return 1
}

func rejectionPayload(result bundler.UploadResult) string {
	var v any = result
	if result.Payload != nil {
		v = result.Payload
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return result.Status
	}
	return string(data)
}
