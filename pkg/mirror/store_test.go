package mirror

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/mcusync/pkg/errors"
	"github.com/sidkik/mcusync/pkg/sync"
)

var remoteTree = []sync.RemoteEntry{
	{Path: "/boot.py", Kind: sync.File, Size: 12},
	{Path: "/lib", Kind: sync.Directory},
	{Path: "/lib/util.py", Kind: sync.File, Size: 40},
}

var remoteContents = map[string]string{
	"/boot.py":     "import util\n",
	"/lib/util.py": strings.Repeat("#", 39) + "\n",
}

func fetchFrom(contents map[string]string, fetched *[]string) func(string) ([]byte, error) {
	return func(path string) ([]byte, error) {
		if fetched != nil {
			*fetched = append(*fetched, path)
		}
		c, ok := contents[path]
		if !ok {
			return nil, errors.RemoteError{Kind: errors.RemotePathNotFound, Op: "read", Path: path}
		}
		return []byte(c), nil
	}
}

func newTestStore(t *testing.T) (*Store, afero.Fs) {
	fs := afero.NewMemMapFs()
	store, err := New(fs, "/home/user/mirror")
	require.NoError(t, err)
	return store, fs
}

func snapshot(t *testing.T, store *Store) sync.LocalSnapshot {
	local := sync.LocalSnapshot{}
	err := store.Walk(func(entry sync.LocalEntry) error {
		local[entry.Path] = entry
		return nil
	})
	require.NoError(t, err)
	return local
}

func TestMaterialize(t *testing.T) {
	store, fs := newTestStore(t)

	// Conflicting local content is replaced by the board's.
	require.NoError(t, afero.WriteFile(fs, "/home/user/mirror/boot.py", []byte("old"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/home/user/mirror/stale/x.py", []byte("x"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/home/user/mirror/lib", []byte("file"), 0644))

	err := store.Materialize(remoteTree, fetchFrom(remoteContents, nil))
	require.NoError(t, err)

	local := snapshot(t, store)
	assert.Len(t, local, 3)
	assert.Equal(t, sync.Directory, local["/lib"].Kind)
	assert.Equal(t, int64(12), local["/boot.py"].Size)
	assert.Equal(t, int64(40), local["/lib/util.py"].Size)

	for path, exp := range remoteContents {
		contents, err := store.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, exp, string(contents), path)
	}

	_, err = fs.Stat("/home/user/mirror/stale")
	assert.Error(t, err)
}

func TestMaterializeIdempotent(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Materialize(remoteTree, fetchFrom(remoteContents, nil)))
	first := snapshot(t, store)

	var fetched []string
	require.NoError(t, store.Materialize(remoteTree, fetchFrom(remoteContents, &fetched)))
	assert.Equal(t, first, snapshot(t, store))
	assert.Equal(t, []string{"/boot.py", "/lib/util.py"}, fetched)
}

func TestMaterializeFetchError(t *testing.T) {
	store, _ := newTestStore(t)

	err := store.Materialize(remoteTree, fetchFrom(map[string]string{}, nil))
	assert.True(t, errors.IsRemote(err, errors.RemotePathNotFound))
}

func TestStat(t *testing.T) {
	store, fs := newTestStore(t)
	modTime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, afero.WriteFile(fs, "/home/user/mirror/lib/util.py", []byte("abc"), 0644))
	require.NoError(t, fs.Chtimes("/home/user/mirror/lib/util.py", modTime, modTime))

	entry, err := store.Stat("/lib/util.py")
	require.NoError(t, err)
	assert.Equal(t, sync.LocalEntry{
		Path:    "/lib/util.py",
		Kind:    sync.File,
		Size:    3,
		ModTime: modTime,
		Fingerprint: sync.Fingerprint{
			Size:    3,
			ModTime: modTime,
			Hash:    hashBytes([]byte("abc")),
		},
	}, entry)

	entry, err = store.Stat("/lib")
	require.NoError(t, err)
	assert.Equal(t, sync.Directory, entry.Kind)
	assert.True(t, entry.Fingerprint.IsZero())

	_, err = store.Stat("/missing.py")
	assert.Equal(t, errors.FileNotFound{Path: "/missing.py"}, err)

	_, err = store.ReadFile("/missing.py")
	assert.Equal(t, errors.FileNotFound{Path: "/missing.py"}, err)
}

func TestFingerprintDetectsSameSizeEdit(t *testing.T) {
	store, fs := newTestStore(t)
	modTime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	path := "/home/user/mirror/main.py"

	require.NoError(t, afero.WriteFile(fs, path, []byte("x = 1"), 0644))
	require.NoError(t, fs.Chtimes(path, modTime, modTime))
	before, err := store.Stat("/main.py")
	require.NoError(t, err)

	// Same size and modification time, different content.
	require.NoError(t, afero.WriteFile(fs, path, []byte("x = 2"), 0644))
	require.NoError(t, fs.Chtimes(path, modTime, modTime))
	after, err := store.Stat("/main.py")
	require.NoError(t, err)

	assert.False(t, before.Fingerprint.Equal(after.Fingerprint))
}

func TestUnchanged(t *testing.T) {
	store, fs := newTestStore(t)
	require.NoError(t, store.Materialize(remoteTree, fetchFrom(remoteContents, nil)))
	assert.False(t, store.Unchanged("/boot.py"))

	entry, err := store.Stat("/boot.py")
	require.NoError(t, err)
	store.ApplyRemoteResult("/boot.py", entry.Fingerprint)
	assert.True(t, store.Unchanged("/boot.py"))

	require.NoError(t, afero.WriteFile(fs, "/home/user/mirror/boot.py", []byte("edited\n"), 0644))
	assert.False(t, store.Unchanged("/boot.py"))

	store.ApplyRemoteResult("/lib/util.py", sync.Fingerprint{})
	store.Forget("/lib")
	assert.NotContains(t, store.applied, "/lib/util.py")
	assert.Contains(t, store.applied, "/boot.py")
}

func TestRemotePath(t *testing.T) {
	store, _ := newTestStore(t)

	path, err := store.RemotePath("/home/user/mirror/lib/util.py")
	assert.NoError(t, err)
	assert.Equal(t, "/lib/util.py", path)

	path, err = store.RemotePath("/home/user/mirror")
	assert.NoError(t, err)
	assert.Equal(t, "/", path)

	_, err = store.RemotePath("/home/user/other")
	assert.Error(t, err)

	assert.Equal(t, "/home/user/mirror/lib/util.py", store.LocalPath("/lib/util.py"))
}

func TestIgnore(t *testing.T) {
	store, fs := newTestStore(t)
	store.SetIgnore(func(path string) bool {
		return strings.HasSuffix(path, ".swp") || path == "/.git"
	})
	require.NoError(t, afero.WriteFile(fs, "/home/user/mirror/.boot.py.swp", []byte("swap"), 0644))
	require.NoError(t, fs.MkdirAll("/home/user/mirror/.git", 0755))
	require.NoError(t, afero.WriteFile(fs, "/home/user/mirror/.git/HEAD", []byte("ref"), 0644))

	require.NoError(t, store.Materialize(remoteTree, fetchFrom(remoteContents, nil)))

	local := snapshot(t, store)
	assert.Len(t, local, 3)
	assert.NotContains(t, local, "/.boot.py.swp")
	assert.NotContains(t, local, "/.git/HEAD")

	// Ignored files aren't removed.
	exists, err := afero.Exists(fs, "/home/user/mirror/.boot.py.swp")
	require.NoError(t, err)
	assert.True(t, exists)
}
