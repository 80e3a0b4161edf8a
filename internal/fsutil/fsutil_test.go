package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const stem = "0001_MA0.00500_PA0.50000_TA1.00000_NAM001_LID001"

func TestTrialStem(t *testing.T) {
	cases := []struct {
		name   string
		suffix string
		ok     bool
	}{
		{stem + "_GC.txt", "_GC.txt", true},
		{stem + "_cams_c.txt", "_cams_c.txt", true},
		{stem + "_cams.xml", "_cams.xml", true},
		{stem + "_cal12.xml", "_cal12.xml", true},
		{"/out/Monte_Carlo_output/" + stem + "_pts.ply", "_pts.ply", true},
		{"." + stem + "_pts.ply.123", "", false},
		{"sparse_pts_reference.ply", "", false},
		{"active_ctrl_indices.txt", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, suffix, ok := TrialStem(tc.name)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, stem, got)
				assert.Equal(t, tc.suffix, suffix)
			}
		})
	}
}

func TestListTrialFilesAndDirSize(t *testing.T) {
	dir := t.TempDir()
	stem2 := "0002_MA0.00500_PA0.50000_TA1.00000_NAM001_LID002"
	for _, name := range []string{stem2 + "_GC.txt", stem + "_GC.txt", stem + "_pts.ply", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("12345"), 0o644))
	}

	stems, groups, err := ListTrialFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{stem, stem2}, stems)
	assert.Len(t, groups[stem], 2)

	size, err := DirSize(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(20), size)
}

func TestFirstExisting(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, dir, FirstExisting(filepath.Join(dir, "nope"), dir))
	assert.Equal(t, "", FirstExisting(filepath.Join(dir, "nope")))
}
