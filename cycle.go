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
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// A Cycle identifies a single forecast issuance: a calendar date plus
// the 0Z or 12Z issue hour. All cycle times are UTC.
type Cycle struct {
	Time time.Time
}

const (
	// watermarkLayout is the format used for cycle watermarks stored in
	// the lock file, e.g. "2020010112".
	watermarkLayout = "2006010215"

	// stampLayout is the format used in initial-flow file names,
	// e.g. "Qinit_20200101t12.csv".
	stampLayout = "20060102t15"

	// folderLayout is the format of the date portion of a release
	// folder name, e.g. "20200101.12" or "20200101.0".
	folderLayout = "20060102.15"
)

var nonDateChars = regexp.MustCompile("[^0-9.]")

// ParseCycleFolder extracts the forecast cycle from an upstream release
// folder or archive name such as "Runoff.20200101.12.exp.tar.gz". The
// second and third dot-delimited fields hold the date and issue hour;
// any non-numeric characters that leak into those fields are stripped
// before parsing.
func ParseCycleFolder(folder string) (Cycle, error) {
	base := filepath.Base(folder)
	fields := strings.Split(base, ".")
	if len(fields) < 3 {
		return Cycle{}, fmt.Errorf("streamcast: release name %s does not contain a date", base)
	}
	s := nonDateChars.ReplaceAllString(strings.Join(fields[1:3], "."), "")
	if len(s) > 11 {
		s = s[:11]
	}
	t, err := time.Parse(folderLayout, s)
	if err != nil {
		return Cycle{}, fmt.Errorf("streamcast: parsing release date from %s: %v", base, err)
	}
	return Cycle{Time: t.UTC()}, nil
}

// ParseCycleDir parses a cycle directory name as produced by DirName,
// e.g. "20200101.12" or "20200101.0".
func ParseCycleDir(name string) (Cycle, error) {
	t, err := time.Parse(folderLayout, name)
	if err != nil {
		return Cycle{}, fmt.Errorf("streamcast: parsing cycle name %s: %v", name, err)
	}
	return Cycle{Time: t.UTC()}, nil
}

// ParseWatermark parses a watermark string of the form YYYYMMDDHH.
func ParseWatermark(s string) (Cycle, error) {
	t, err := time.Parse(watermarkLayout, s)
	if err != nil {
		return Cycle{}, fmt.Errorf("streamcast: parsing watermark %s: %v", s, err)
	}
	return Cycle{Time: t.UTC()}, nil
}

// Watermark returns the cycle formatted for storage in the lock file.
func (c Cycle) Watermark() string { return c.Time.UTC().Format(watermarkLayout) }

// Stamp returns the cycle formatted for use in initial-flow file names.
func (c Cycle) Stamp() string { return c.Time.UTC().Format(stampLayout) }

// DirName returns the cycle formatted as an output directory name.
// The issue hour is not zero-padded, matching upstream release naming.
func (c Cycle) DirName() string {
	t := c.Time.UTC()
	return fmt.Sprintf("%s.%d", t.Format("20060102"), t.Hour())
}

func (c Cycle) String() string { return c.DirName() }

// Prev returns the preceding forecast cycle, 12 hours earlier.
func (c Cycle) Prev() Cycle { return Cycle{Time: c.Time.Add(-12 * time.Hour)} }

// Next returns the following forecast cycle, 12 hours later.
func (c Cycle) Next() Cycle { return Cycle{Time: c.Time.Add(12 * time.Hour)} }

// After reports whether c is strictly later than o.
func (c Cycle) After(o Cycle) bool { return c.Time.After(o.Time) }

// IsZero reports whether c is the zero cycle.
func (c Cycle) IsZero() bool { return c.Time.IsZero() }

// legacyMemberSuffix marks grid forecast files from the pre-2016
// upstream naming scheme, where the ensemble index is the third
// dot-delimited field.
const legacyMemberSuffix = ".205.runoff.grib.runoff.netcdf"

// EnsembleNumber extracts the ensemble member index from a grid
// forecast file name. Current releases carry the index as the leading
// dot-delimited field (e.g. "52.Runoff.nc"); legacy releases carry it
// as the third field.
func EnsembleNumber(path string) (int, error) {
	base := filepath.Base(path)
	fields := strings.Split(base, ".")
	if strings.HasSuffix(base, legacyMemberSuffix) {
		if len(fields) < 3 {
			return 0, fmt.Errorf("streamcast: grid file name %s lacks an ensemble index", base)
		}
		n, err := strconv.Atoi(fields[2])
		if err != nil {
			return 0, fmt.Errorf("streamcast: parsing ensemble index from %s: %v", base, err)
		}
		return n, nil
	}
	if n, err := strconv.Atoi(fields[0]); err == nil {
		return n, nil
	}
	// Fall back to the trailing integer before the extension, as used
	// in routed output names such as "Qout_tx_gulf_52.nc".
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	us := strings.Split(stem, "_")
	n, err := strconv.Atoi(us[len(us)-1])
	if err != nil {
		return 0, fmt.Errorf("streamcast: parsing ensemble index from %s: %v", base, err)
	}
	return n, nil
}
