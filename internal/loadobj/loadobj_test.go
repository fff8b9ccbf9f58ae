package loadobj

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleMaps = `55d0a6a2c000-55d0a6a50000 r--p 00000000 08:01 183521 /usr/bin/app
55d0a6a50000-55d0a6b80000 r-xp 00024000 08:01 183521 /usr/bin/app
55d0a6b80000-55d0a6bd0000 rw-p 00154000 08:01 183521 /usr/bin/app
55d0a8000000-55d0a8021000 rw-p 00000000 00:00 0 [heap]
7f2c40000000-7f2c40022000 r-xp 00000000 08:01 921802 /usr/lib/x86_64-linux-gnu/libc.so.6
7f2c40022000-7f2c40024000 rw-p 00021000 08:01 921802 /usr/lib/x86_64-linux-gnu/libc.so.6
7ffd3a000000-7ffd3a021000 rw-p 00000000 00:00 0 [stack]
7ffd3a1c4000-7ffd3a1c8000 r--p 00000000 00:00 0 [vvar]
`

func TestParseGroupsMappingsByObject(t *testing.T) {
	tbl, err := parse(strings.NewReader(sampleMaps))
	require.NoError(t, err)
	require.Len(t, tbl.Objects(), 2)

	app := tbl.Objects()[0]
	require.Equal(t, "/usr/bin/app", app.Path)
	require.Equal(t, uint64(183521), app.Inode)
	require.Equal(t, uint64(0x55d0a6a2c000), app.Base)

	libc := tbl.Objects()[1]
	require.Equal(t, "/usr/lib/x86_64-linux-gnu/libc.so.6", libc.Path)
	require.Equal(t, uint64(0x7f2c40000000), libc.Base)
}

func TestObjectOfSkipsAnonymousRegions(t *testing.T) {
	tbl, err := parse(strings.NewReader(sampleMaps))
	require.NoError(t, err)

	// Inside the executable's text segment.
	obj := tbl.ObjectOf(0x55d0a6a51000)
	require.NotNil(t, obj)
	require.Equal(t, "/usr/bin/app", obj.Path)

	// Heap addresses resolve to no object.
	require.Nil(t, tbl.ObjectOf(0x55d0a8000100))
	// Stack addresses resolve to no object.
	require.Nil(t, tbl.ObjectOf(0x7ffd3a000100))
}

func TestLookupPrefersDeviceAndInode(t *testing.T) {
	tbl, err := parse(strings.NewReader(sampleMaps))
	require.NoError(t, err)

	byIdentity := tbl.Lookup("/renamed/app", 0x8<<32|0x1, 183521)
	require.NotNil(t, byIdentity)
	require.Equal(t, "/usr/bin/app", byIdentity.Path)

	byPath := tbl.Lookup("/usr/bin/app", 0, 0)
	require.NotNil(t, byPath)
	require.Equal(t, uint64(183521), byPath.Inode)

	require.Nil(t, tbl.Lookup("/does/not/exist", 0, 0))
}

func TestParseRejectsMalformedRanges(t *testing.T) {
	_, err := parse(strings.NewReader("bogus r--p 00000000 08:01 12 /bin/x\n"))
	require.Error(t, err)
}
