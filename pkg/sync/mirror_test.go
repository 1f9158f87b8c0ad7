package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/mcusync/pkg/errors"
)

func TestMirrorState(t *testing.T) {
	state := NewMirrorState()
	state.Mirrored(RemoteEntry{Path: "/lib", Kind: Directory})
	state.Mirrored(RemoteEntry{Path: "/lib/util.py", Kind: File, Size: 40})
	state.Mirrored(RemoteEntry{Path: "/lib/net/wifi.py", Kind: File, Size: 10})
	state.Mirrored(RemoteEntry{Path: "boot.py", Kind: File, Size: 12})

	entry, ok := state.Get("/boot.py")
	assert.True(t, ok)
	assert.Equal(t, int64(12), entry.Size)

	assert.Equal(t, []RemoteEntry{
		{Path: "/lib/net/wifi.py", Kind: File, Size: 10},
		{Path: "/lib/util.py", Kind: File, Size: 40},
	}, state.Descendants("/lib"))

	// Snapshots aren't affected by later changes.
	snapshot := state.GetSnapshot()
	state.Removed("/lib")
	assert.Len(t, snapshot, 4)
	assert.Equal(t, 1, state.Len())

	_, ok = state.Get("/lib/util.py")
	assert.False(t, ok)
}

func TestDiff(t *testing.T) {
	oldFp := Fingerprint{Size: 3, ModTime: time.Unix(1, 0), Hash: "a"}
	newFp := Fingerprint{Size: 3, ModTime: time.Unix(1, 0), Hash: "b"}

	local := LocalSnapshot{
		"/":           {Path: "/", Kind: Directory},
		"/same.py":    {Path: "/same.py", Kind: File, Fingerprint: oldFp},
		"/changed.py": {Path: "/changed.py", Kind: File, Fingerprint: newFp},
		"/created.py": {Path: "/created.py", Kind: File, Fingerprint: newFp},
		"/lib":        {Path: "/lib", Kind: Directory},
		"/was-dir":    {Path: "/was-dir", Kind: File, Fingerprint: newFp},
	}
	mirror := MirrorSnapshot{
		"/same.py":    {Path: "/same.py", Kind: File, Fingerprint: oldFp.String()},
		"/changed.py": {Path: "/changed.py", Kind: File, Fingerprint: oldFp.String()},
		"/deleted.py": {Path: "/deleted.py", Kind: File, Fingerprint: oldFp.String()},
		"/lib":        {Path: "/lib", Kind: Directory},
		"/was-dir":    {Path: "/was-dir", Kind: Directory},
	}

	assert.Equal(t, []ChangeEvent{
		{Path: "/changed.py", Kind: Modified},
		{Path: "/created.py", Kind: Created},
		{Path: "/deleted.py", Kind: Deleted},
		{Path: "/was-dir", Kind: Modified},
	}, local.Diff(mirror))
}

func TestFingerprintEqual(t *testing.T) {
	fp := Fingerprint{Size: 12, ModTime: time.Unix(100, 0), Hash: "abc"}
	assert.True(t, fp.Equal(fp))

	// A tie on size and modification time isn't enough.
	sameTime := fp
	sameTime.Hash = "abd"
	assert.False(t, fp.Equal(sameTime))

	touched := fp
	touched.ModTime = fp.ModTime.Add(time.Nanosecond)
	assert.False(t, fp.Equal(touched))

	assert.True(t, Fingerprint{}.IsZero())
	assert.Empty(t, Fingerprint{}.String())
	assert.Equal(t, "12-100000000000-abc", fp.String())
}

func TestEntryIterator(t *testing.T) {
	it := SliceIterator([]RemoteEntry{{Path: "/a"}, {Path: "/b"}})
	entries, err := it.Collect()
	assert.NoError(t, err)
	assert.Equal(t, []RemoteEntry{{Path: "/a"}, {Path: "/b"}}, entries)

	// The sequence can't be restarted.
	assert.False(t, it.Next())

	calls := 0
	failErr := errors.New("device rejected read")
	it = NewEntryIterator(func() (RemoteEntry, bool, error) {
		calls++
		if calls == 2 {
			return RemoteEntry{}, false, failErr
		}
		return RemoteEntry{Path: "/a"}, true, nil
	})
	entries, err = it.Collect()
	assert.Equal(t, failErr, err)
	assert.Len(t, entries, 1)
	assert.False(t, it.Next())
	assert.Equal(t, 2, calls)
}

func TestListTree(t *testing.T) {
	remote := newFakeRemote()
	remote.addFile("/boot.py", "")
	remote.addDir("/lib")
	remote.addDir("/lib/net")
	remote.addFile("/lib/net/wifi.py", "")
	remote.addFile("/lib-old.py", "")

	entries, err := ListTree(context.Background(), remote, "/")
	require.NoError(t, err)

	var paths []string
	for _, entry := range entries {
		paths = append(paths, entry.Path)
	}
	assert.Equal(t, []string{"/boot.py", "/lib", "/lib-old.py", "/lib/net", "/lib/net/wifi.py"}, paths)

	_, err = ListTree(context.Background(), remote, "/missing")
	assert.True(t, errors.IsRemote(err, errors.RemotePathNotFound))
}
