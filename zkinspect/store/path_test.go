package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePath(t *testing.T) {
	valid := []string{"/", "/a", "/a/b", "/zookeeper/quota", "/with space", "/a.b"}
	for _, p := range valid {
		assert.NoError(t, ValidatePath(p), p)
	}

	invalid := []string{"", "a", "a/b", "/a/", "//", "/a//b", "/a/./b", "/a/..", "/a\x00b"}
	for _, p := range invalid {
		err := ValidatePath(p)
		assert.ErrorIs(t, err, ErrMalformedPath, "%q", p)
	}
}

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, "/a", JoinPath("/", "a"))
	assert.Equal(t, "/a", JoinPath("", "a"))
	assert.Equal(t, "/a/b", JoinPath("/a", "b"))

	assert.Equal(t, "", ParentPath("/"))
	assert.Equal(t, "/", ParentPath("/a"))
	assert.Equal(t, "/a", ParentPath("/a/b"))

	assert.Equal(t, "", BaseName("/"))
	assert.Equal(t, "a", BaseName("/a"))
	assert.Equal(t, "c", BaseName("/a/b/c"))

	assert.Equal(t, 0, Depth("/"))
	assert.Equal(t, 1, Depth("/a"))
	assert.Equal(t, 3, Depth("/a/b/c"))
}

func TestIsAncestorOrSelf(t *testing.T) {
	assert.True(t, IsAncestorOrSelf("/", "/a/b"))
	assert.True(t, IsAncestorOrSelf("/a", "/a"))
	assert.True(t, IsAncestorOrSelf("/a", "/a/b/c"))
	assert.False(t, IsAncestorOrSelf("/a", "/ab"))
	assert.False(t, IsAncestorOrSelf("/a/b", "/a"))
}

func TestSplitRelative(t *testing.T) {
	segs, err := SplitRelative("a/b/c")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, segs)

	segs, err = SplitRelative("/x/")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, segs)

	for _, bad := range []string{"", "/", "a//b", "a/../b"} {
		_, err := SplitRelative(bad)
		assert.ErrorIs(t, err, ErrMalformedPath, "%q", bad)
	}
}

func TestPermString(t *testing.T) {
	assert.Equal(t, "Read, Write, Create, Delete, Admin", PermAll.String())
	assert.Equal(t, "Read, Admin", (PermRead | PermAdmin).String())
	assert.Equal(t, "", Perm(0).String())
}

func TestStatIsEphemeral(t *testing.T) {
	var nilStat *Stat
	assert.False(t, nilStat.IsEphemeral())
	assert.False(t, (&Stat{}).IsEphemeral())
	assert.True(t, (&Stat{EphemeralOwner: 0x1234}).IsEphemeral())
}
