package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/robfig/cron/v3"

	"github.com/sidkik/mcusync/pkg/errors"
)

const (
	// UserConfigPath is the default path to the mcusync user config.
	UserConfigPath = "~/.mcusync.yaml"

	// InitialUserConfigVersion is the first version of the user config.
	// Config files that do not specify a version default to this version.
	InitialUserConfigVersion = "v1alpha1"

	// SupportedUserConfigVersion is the version of the user config
	// understood by this binary.
	SupportedUserConfigVersion = "v1alpha1"
)

// Defaults for fields that aren't set in the config file.
const (
	DefaultBaud         = 115200
	DefaultSettleWindow = 400 * time.Millisecond
	DefaultTimeout      = 2 * time.Second
	DefaultRetries      = 3
	DefaultPollInterval = "@every 15s"
)

// User is the user's mcusync configuration. Command line flags override
// its values.
type User struct {
	Version string `json:"version,omitempty"`

	// Port is the serial device of the board, e.g. /dev/ttyUSB0.
	Port string `json:"port,omitempty"`
	Baud int    `json:"baud,omitempty"`

	// MirrorRoot is where the board's files are mirrored. A temporary
	// directory is used if it's empty. Relative paths are relative to the
	// config file.
	MirrorRoot string `json:"mirrorRoot,omitempty"`

	SettleWindow Duration `json:"settleWindow,omitempty"`
	Timeout      Duration `json:"timeout,omitempty"`

	// Retries is the total number of attempts made for an exchange that
	// times out.
	Retries int `json:"retries,omitempty"`

	// Ignore lists glob patterns for paths that are never synced, in
	// addition to the defaults.
	Ignore []string `json:"ignore,omitempty"`

	// PollInterval is a cron spec for rescans of the mirror directory. It's
	// only used when file notifications aren't available.
	PollInterval string `json:"pollInterval,omitempty"`

	RebootOnExit *bool  `json:"rebootOnExit,omitempty"`
	Editor       string `json:"editor,omitempty"`
}

// ShouldRebootOnExit returns whether the board should be soft rebooted when
// mcusync exits. It defaults to true.
func (u User) ShouldRebootOnExit() bool {
	return u.RebootOnExit == nil || *u.RebootOnExit
}

// Duration is a time.Duration written as a string such as "400ms".
type Duration struct {
	time.Duration
}

// UnmarshalJSON parses a duration string.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string such as \"400ms\": %s", err)
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalJSON formats the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// homedirExpand will be overridden in mock tests
var homedirExpand = homedir.Expand

// ParseUser parses the user config at the default path. A missing file
// isn't an error: the defaults are returned instead.
func ParseUser() (User, error) {
	path, err := GetUserConfigPath()
	if err != nil {
		return User{}, errors.WithContext(err, "expand config path")
	}

	config := User{Version: InitialUserConfigVersion}
	if err := readUserFile(path, &config); err != nil {
		if _, ok := err.(errors.FileNotFound); !ok {
			return User{}, errors.WithContext(err, "parse")
		}
		config = User{Version: SupportedUserConfigVersion}
	}

	config.MirrorRoot, err = homedir.Expand(config.MirrorRoot)
	if err != nil {
		return User{}, errors.WithContext(err, "expand mirror root")
	}

	// Evaluate relative paths relative to the config path.
	if config.MirrorRoot != "" && !filepath.IsAbs(config.MirrorRoot) {
		config.MirrorRoot = filepath.Join(filepath.Dir(path), config.MirrorRoot)
	}

	config.setDefaults()
	if err := config.validate(path); err != nil {
		return User{}, err
	}
	return config, nil
}

func (u *User) setDefaults() {
	if u.Baud == 0 {
		u.Baud = DefaultBaud
	}
	if u.SettleWindow.Duration == 0 {
		u.SettleWindow.Duration = DefaultSettleWindow
	}
	if u.Timeout.Duration == 0 {
		u.Timeout.Duration = DefaultTimeout
	}
	if u.Retries == 0 {
		u.Retries = DefaultRetries
	}
	if u.PollInterval == "" {
		u.PollInterval = DefaultPollInterval
	}
}

func (u User) validate(path string) error {
	switch {
	case u.Baud < 0:
		return errors.NewFriendlyError("Invalid baud rate %d in %q.", u.Baud, path)
	case u.SettleWindow.Duration < 0 || u.Timeout.Duration < 0:
		return errors.NewFriendlyError("Durations in %q can't be negative.", path)
	case u.Retries < 0:
		return errors.NewFriendlyError("Invalid retries %d in %q. "+
			"It's the total number of attempts, so it must be at least 1.", u.Retries, path)
	}

	if _, err := cron.ParseStandard(u.PollInterval); err != nil {
		return errors.NewFriendlyError("Invalid pollInterval %q in %q: %s",
			u.PollInterval, path, err)
	}
	return nil
}

// GetUserConfigPath returns the path to the user's mcusync configuration.
// This path is expanded, so it can be directly passed to file operations.
func GetUserConfigPath() (string, error) {
	return homedirExpand(UserConfigPath)
}
