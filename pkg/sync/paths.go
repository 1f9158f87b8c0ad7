package sync

import (
	"path"
	"strings"

	"github.com/google/uuid"
)

// TempSuffix ends the name of every temporary file that the remote client
// writes to before renaming it into place.
const TempSuffix = ".mcusync.tmp"

// Root is the path of the remote filesystem's root directory.
const Root = "/"

// Clean returns the canonical form of `p`: slash-separated, rooted at "/",
// and without any trailing slash.
func Clean(p string) string {
	return path.Clean("/" + strings.TrimPrefix(p, "/"))
}

// Parent returns the directory containing `p`.
func Parent(p string) string {
	return path.Dir(Clean(p))
}

// Depth returns the number of path elements in `p`. The root has depth 0.
func Depth(p string) int {
	p = Clean(p)
	if p == Root {
		return 0
	}
	return strings.Count(p, "/")
}

// Ancestors returns the directories containing `p`, shallowest first. The
// root isn't included.
func Ancestors(p string) []string {
	var ancestors []string
	for dir := Parent(p); dir != Root; dir = Parent(dir) {
		ancestors = append([]string{dir}, ancestors...)
	}
	return ancestors
}

// IsWithin returns whether `p` is strictly inside the directory `dir`.
func IsWithin(p, dir string) bool {
	p, dir = Clean(p), Clean(dir)
	if dir == Root {
		return p != Root
	}
	return strings.HasPrefix(p, dir+"/")
}

// TempName returns a fresh temporary name in the same directory as `p`.
func TempName(p string) string {
	p = Clean(p)
	id := strings.Replace(uuid.New().String(), "-", "", -1)[:8]
	return path.Join(path.Dir(p), "."+path.Base(p)+"."+id+TempSuffix)
}

// IsTempName returns whether `p` was created by TempName.
func IsTempName(p string) bool {
	base := path.Base(p)
	return strings.HasPrefix(base, ".") && strings.HasSuffix(base, TempSuffix)
}
