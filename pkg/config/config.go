// Package config parses the user's mcusync configuration file.
package config

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
	"github.com/spf13/afero"

	"github.com/sidkik/mcusync/pkg/errors"
)

// fs is replaced by afero.NewMemMapFs() in tests.
var fs = afero.NewOsFs()

// parseConfigErrTemplate wraps YAML and schema errors. The YAML library
// drops the field name from type errors, so the hints cover the usual
// mistakes.
const parseConfigErrTemplate = "Failed to parse the mcusync config at %q.\n" +
	"Check that:\n" +
	" - durations have a unit, e.g. \"400ms\" rather than 400\n" +
	" - no field name is misspelled or unknown\n\n" +
	"Parser error: %s"

// versionError is returned for a config written for another schema version.
type versionError struct {
	path      string
	supported string
	found     string
}

func (err versionError) Error() string {
	return err.FriendlyMessage()
}

func (err versionError) FriendlyMessage() string {
	return fmt.Sprintf("%s has config version %q, but this mcusync reads %q.\n"+
		"Update the version field and check the file against the current schema.",
		err.path, err.found, err.supported)
}

// readUserFile fills `config` from the YAML file at `path`, or returns
// errors.FileNotFound.
func readUserFile(path string, config *User) error {
	contents, err := afero.ReadFile(fs, path)
	switch {
	case os.IsNotExist(err):
		return errors.FileNotFound{Path: path}
	case err != nil:
		return errors.WithContext(err, "read file")
	}

	// Unknown fields are only rejected once the version matches.
	if err := yaml.Unmarshal(contents, config); err != nil {
		return errors.NewFriendlyError(parseConfigErrTemplate, path, err)
	}
	if config.Version != SupportedUserConfigVersion {
		return versionError{path: path, supported: SupportedUserConfigVersion, found: config.Version}
	}
	if err := yaml.UnmarshalStrict(contents, config, yaml.DisallowUnknownFields); err != nil {
		return errors.NewFriendlyError(parseConfigErrTemplate, path, err)
	}
	return nil
}
