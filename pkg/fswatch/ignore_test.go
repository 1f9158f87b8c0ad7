package fswatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIgnore(t *testing.T) {
	ignore, err := NewIgnore(append(DefaultIgnore, "/lib/*.mpy"))
	require.NoError(t, err)

	tests := []struct {
		path   string
		expect bool
	}{
		{"/main.py", false},
		{"/lib/util.py", false},
		{"/.main.py.swp", true},
		{"/main.py~", true},
		{"/.#main.py", true},
		{"/4913", true},
		{"/.git", true},
		{"/.git/objects/ab", true},
		{"/lib/__pycache__/util.cpython-311.pyc", true},
		{"/.main.py.0badf00d.mcusync.tmp", true},
		{"/lib/util.mpy", true},
		{"/lib/net/util.mpy", false},
		{"/util.mpy", false},
	}

	for _, test := range tests {
		assert.Equal(t, test.expect, ignore.Match(test.path), test.path)
	}

	// A nil Ignore matches nothing.
	var none *Ignore
	assert.False(t, none.Match("/.git"))

	_, err = NewIgnore([]string{"[unterminated"})
	assert.Error(t, err)
}
