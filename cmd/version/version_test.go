package version

import (
	"bytes"
	"context"
	"testing"

	goVersion "github.com/hashicorp/go-version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/sidkik/mcusync/pkg/errors"
	"github.com/sidkik/mcusync/pkg/sync/client/mocks"
)

func TestPrintFirmware(t *testing.T) {
	tests := []struct {
		name   string
		mockV  string
		expOut string
	}{
		{
			name:   "Supported",
			mockV:  "1.22.0",
			expOut: "firmware version: 1.22.0\n",
		},
		{
			name:  "TooOld",
			mockV: "1.9.4",
			expOut: "firmware version: 1.9.4\n" +
				"Firmware older than 1.12.0 isn't supported.\n",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			board := &mocks.Client{}
			board.On("FirmwareVersion", mock.Anything).Return(
				goVersion.Must(goVersion.NewVersion(test.mockV)), nil)

			var out bytes.Buffer
			assert.NoError(t, printFirmware(context.Background(), board, &out))
			assert.Equal(t, test.expOut, out.String())
		})
	}
}

func TestPrintFirmwareError(t *testing.T) {
	board := &mocks.Client{}
	board.On("FirmwareVersion", mock.Anything).Return(nil, errors.ErrTransportTimeout)

	err := printFirmware(context.Background(), board, &bytes.Buffer{})
	assert.True(t, errors.Is(err, errors.ErrTransportTimeout))
}
