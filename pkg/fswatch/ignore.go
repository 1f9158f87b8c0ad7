package fswatch

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"

	"github.com/sidkik/mcusync/pkg/errors"
	"github.com/sidkik/mcusync/pkg/sync"
)

// DefaultIgnore matches editor swap and backup files, VCS metadata, and the
// temporary names used for atomic writes on the board.
var DefaultIgnore = []string{
	"*.swp",
	"*.swx",
	"*~",
	".#*",
	"#*#",
	"4913",
	".DS_Store",
	".git",
	"__pycache__",
	"*" + sync.TempSuffix,
}

// Ignore decides which paths are never synced.
type Ignore struct {
	globs []glob.Glob
}

// NewIgnore compiles `patterns`. A pattern without a slash is matched
// against every element of a path, so that ignoring a directory also
// ignores its contents. Other patterns are matched against the whole board
// path.
func NewIgnore(patterns []string) (*Ignore, error) {
	ignore := &Ignore{}
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, errors.WithContext(err, fmt.Sprintf("compile ignore pattern %q", pattern))
		}
		ignore.globs = append(ignore.globs, g)
	}
	return ignore, nil
}

// Match returns whether the board path `path` is ignored.
func (ignore *Ignore) Match(path string) bool {
	if ignore == nil {
		return false
	}

	path = sync.Clean(path)
	elems := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for _, g := range ignore.globs {
		if g.Match(path) {
			return true
		}
		for _, elem := range elems {
			if elem != "" && g.Match(elem) {
				return true
			}
		}
	}
	return false
}
