package util

import (
	"context"
	"testing"
	"time"

	logrusTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/mcusync/pkg/config"
	"github.com/sidkik/mcusync/pkg/errors"
)

func TestBoardFlags(t *testing.T) {
	var flags BoardFlags
	cmd := &cobra.Command{Use: "ls"}
	flags.Register(cmd)
	require.NoError(t, cmd.Flags().Set("port", "/dev/ttyACM0"))

	no := false
	opts := flags.Options(cmd, config.User{
		Port:         "/dev/ttyUSB0",
		Baud:         921600,
		Timeout:      config.Duration{Duration: 5 * time.Second},
		Retries:      2,
		RebootOnExit: &no,
	})
	assert.Equal(t, BoardOptions{
		Port:    "/dev/ttyACM0",
		Baud:    921600,
		Timeout: 5 * time.Second,
		Retries: 2,
	}, opts)
}

func TestConnectEmulatedBoard(t *testing.T) {
	logger, _ := logrusTest.NewNullLogger()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/board/boot.py", []byte("import machine\n"), 0644))

	board, err := ConnectBoard(context.Background(), fs, BoardOptions{
		Emulate:   "/board",
		Timeout:   time.Second,
		SoftReset: true,
	}, logger)
	require.NoError(t, err)
	defer board.Close()

	entry, err := board.Stat(context.Background(), "/boot.py")
	assert.NoError(t, err)
	assert.Equal(t, int64(15), entry.Size)
}

func TestConnectWithoutPort(t *testing.T) {
	logger, _ := logrusTest.NewNullLogger()
	_, err := ConnectBoard(context.Background(), afero.NewMemMapFs(), BoardOptions{}, logger)
	assert.Contains(t, errors.GetPrintableMessage(err), "No serial port is configured")
}
