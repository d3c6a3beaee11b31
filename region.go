/*
Copyright © 2018 the StreamCast authors.
This file is part of StreamCast.

StreamCast is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

StreamCast is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with StreamCast.  If not, see <http://www.gnu.org/licenses/>.
*/

package streamcast

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// A Region identifies one routed river network as a
// watershed-subbasin pair, e.g. "tx_gulf-huc_2_12".
type Region struct {
	Watershed string
	Subbasin  string
}

var regionName = regexp.MustCompile(`^[a-z0-9_]+-[a-z0-9_]+$`)

// ParseRegion parses a region directory name of the form
// "<watershed>-<subbasin>", where both parts are lowercase
// alphanumeric with underscores and exactly one hyphen separates them.
func ParseRegion(name string) (Region, error) {
	if !regionName.MatchString(name) {
		return Region{}, fmt.Errorf("streamcast: invalid region directory name %s; "+
			"expected <watershed>-<subbasin>", name)
	}
	i := strings.Index(name, "-")
	return Region{Watershed: name[:i], Subbasin: name[i+1:]}, nil
}

// Name returns the region directory name.
func (r Region) Name() string { return r.Watershed + "-" + r.Subbasin }

func (r Region) String() string { return r.Name() }

// InputDir returns the directory holding the region's static routing
// inputs underneath the pipeline I/O root.
func (r Region) InputDir(ioDir string) string {
	return filepath.Join(ioDir, "input", r.Name())
}

// OutputDir returns the directory holding the region's routed output
// for the given cycle underneath the pipeline I/O root.
func (r Region) OutputDir(ioDir string, c Cycle) string {
	return filepath.Join(ioDir, "output", r.Name(), c.DirName())
}

// Regions enumerates the routable regions beneath the pipeline input
// directory. Subdirectories whose names do not follow the region
// grammar are skipped with a logged warning rather than aborting the
// cycle. The result is sorted by name.
func Regions(ioDir string) ([]Region, error) {
	dir := filepath.Join(ioDir, "input")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("streamcast: listing region directories: %v", err)
	}
	var o []Region
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		r, err := ParseRegion(e.Name())
		if err != nil {
			log.Printf("streamcast: skipping %s: %v", e.Name(), err)
			continue
		}
		o = append(o, r)
	}
	sort.Slice(o, func(i, j int) bool { return o[i].Name() < o[j].Name() })
	return o, nil
}

// FindFile searches dir for a file whose name matches pattern,
// ignoring case. Pattern follows filepath.Match syntax. It returns
// the empty string if no file matches, and an error if more than one
// does.
func FindFile(dir, pattern string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("streamcast: searching %s for %s: %v", dir, pattern, err)
	}
	pattern = strings.ToLower(pattern)
	var found []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ok, err := filepath.Match(pattern, strings.ToLower(e.Name()))
		if err != nil {
			return "", fmt.Errorf("streamcast: bad file pattern %s: %v", pattern, err)
		}
		if ok {
			found = append(found, filepath.Join(dir, e.Name()))
		}
	}
	switch len(found) {
	case 0:
		return "", nil
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("streamcast: %d files in %s match %s; expected one", len(found), dir, pattern)
	}
}
