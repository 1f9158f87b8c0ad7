package config

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"

	"github.com/sidkik/mcusync/pkg/errors"
)

func TestParseUser(t *testing.T) {
	out := "/home/user/.mcusync.yaml"
	no := false

	defaults := User{
		Version:      SupportedUserConfigVersion,
		Baud:         DefaultBaud,
		SettleWindow: Duration{DefaultSettleWindow},
		Timeout:      Duration{DefaultTimeout},
		Retries:      DefaultRetries,
		PollInterval: DefaultPollInterval,
	}

	tests := []struct {
		name      string
		input     string
		expConfig User
		expError  error

		// expMessage is checked instead of expError when the message
		// includes text from another library.
		expMessage string
	}{
		{
			name:      "Empty",
			input:     "",
			expConfig: defaults,
		},
		{
			name: "AllFields",
			input: `
version: v1alpha1
port: /dev/ttyUSB0
baud: 921600
mirrorRoot: /src/board
settleWindow: 250ms
timeout: 5s
retries: 5
ignore: ["*.mpy"]
pollInterval: "@every 1m"
rebootOnExit: false
editor: code
`,
			expConfig: User{
				Version:      SupportedUserConfigVersion,
				Port:         "/dev/ttyUSB0",
				Baud:         921600,
				MirrorRoot:   "/src/board",
				SettleWindow: Duration{250 * time.Millisecond},
				Timeout:      Duration{5 * time.Second},
				Retries:      5,
				Ignore:       []string{"*.mpy"},
				PollInterval: "@every 1m",
				RebootOnExit: &no,
				Editor:       "code",
			},
		},
		{
			name:  "RelativeMirrorRoot",
			input: "mirrorRoot: board",
			expConfig: func() User {
				config := defaults
				config.MirrorRoot = "/home/user/board"
				return config
			}(),
		},
		{
			name:     "IncorrectVersion",
			input:    "version: v2\nport: /dev/ttyACM0",
			expError: errors.WithContext(versionError{path: out, supported: SupportedUserConfigVersion, found: "v2"}, "parse"),
		},
		{
			name:  "ExtraFields",
			input: "version: v1alpha1\nextra: fields",
			expError: errors.WithContext(
				errors.NewFriendlyError(parseConfigErrTemplate, out,
					errors.New("error unmarshaling JSON: while decoding JSON: "+
						`json: unknown field "extra"`)),
				"parse"),
		},
		{
			name:       "BadPollInterval",
			input:      "pollInterval: sometimes",
			expMessage: `Invalid pollInterval "sometimes"`,
		},
		{
			name:     "NegativeRetries",
			input:    "retries: -1",
			expError: errors.NewFriendlyError("Invalid retries %d in %q. "+
				"It's the total number of attempts, so it must be at least 1.", -1, out),
		},
	}

	fs = afero.NewMemMapFs()
	homedirExpand = func(_ string) (string, error) {
		return out, nil
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.NoError(t, afero.WriteFile(fs, out, []byte(test.input), 0644))
			config, err := ParseUser()

			if test.expMessage != "" {
				assert.Error(t, err)
				assert.Contains(t, errors.GetPrintableMessage(err), test.expMessage)
				return
			}

			assert.Equal(t, test.expError, err)
			if test.expError == nil {
				assert.Equal(t, test.expConfig, config)
			}
		})
	}
}

func TestParseMissingUser(t *testing.T) {
	fs = afero.NewMemMapFs()
	homedirExpand = func(_ string) (string, error) {
		return "/home/user/.mcusync.yaml", nil
	}

	config, err := ParseUser()
	assert.NoError(t, err)
	assert.Equal(t, DefaultBaud, config.Baud)
	assert.Equal(t, DefaultSettleWindow, config.SettleWindow.Duration)
	assert.True(t, config.ShouldRebootOnExit())
	assert.Empty(t, config.MirrorRoot)
}

func TestDuration(t *testing.T) {
	var d Duration
	assert.NoError(t, d.UnmarshalJSON([]byte(`"1m30s"`)))
	assert.Equal(t, 90*time.Second, d.Duration)

	assert.Error(t, d.UnmarshalJSON([]byte(`400`)))
	assert.Error(t, d.UnmarshalJSON([]byte(`"soon"`)))

	out, err := d.MarshalJSON()
	assert.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(out))
}
