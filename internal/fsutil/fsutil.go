package fsutil

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

// trialArtifact matches the files a Monte Carlo trial writes, capturing the
// trial stem and the artifact suffix.
var trialArtifact = regexp.MustCompile(`^(\d{4,}_MA\d+\.\d+_PA\d+\.\d+_TA\d+\.\d+_NAM\d{3,}_LID\d{3,})(_GC\.txt|_cams_c\.txt|_cams\.xml|_cal\d+\.xml|_pts\.ply)$`)

// TrialStem splits a trial artifact name into its stem and suffix.
func TrialStem(path string) (stem, suffix string, ok bool) {
	m := trialArtifact.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// ListTrialFiles returns the trial artifacts directly under dir grouped by
// stem. Stems are returned in order.
func ListTrialFiles(dir string) ([]string, map[string][]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}
	groups := make(map[string][]string)
	var stems []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		stem, _, ok := TrialStem(e.Name())
		if !ok {
			continue
		}
		if _, seen := groups[stem]; !seen {
			stems = append(stems, stem)
		}
		groups[stem] = append(groups[stem], filepath.Join(dir, e.Name()))
	}
	sort.Strings(stems)
	return stems, groups, nil
}

// DirSize returns the total size of regular files under root.
func DirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
