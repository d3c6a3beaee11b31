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

package routing

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spatialmodel/streamcast"
)

// RegionFiles locates a region's static routing inputs. File name
// matching is case insensitive; the optional files are empty when
// absent.
type RegionFiles struct {
	ConnectFile string
	BasinIDFile string
	KFile       string
	XFile       string

	// GeoFile georeferences reach outlets (optional).
	GeoFile string

	// GageFile lists stream gage stations (optional).
	GageFile string

	// Forcing files; forcing is enabled only when all three are
	// present.
	ForcingFile      string
	ForcingTotalFile string
	ForcingUseFile   string
}

// DiscoverRegionFiles searches a region input directory for the
// routing kernel's static input files.
func DiscoverRegionFiles(inputDir string) (*RegionFiles, error) {
	rf := new(RegionFiles)
	for _, req := range []struct {
		exact   string
		pattern string
		dst     *string
	}{
		{"", "rapid_connect*.csv", &rf.ConnectFile},
		{"", "riv_bas_id*.csv", &rf.BasinIDFile},
		// k*.csv also matches kfac.csv and similar, so an exact k.csv
		// wins before the pattern is tried. Same for x.csv.
		{"k.csv", "k*.csv", &rf.KFile},
		{"x.csv", "x*.csv", &rf.XFile},
	} {
		if req.exact != "" {
			file, err := streamcast.FindFile(inputDir, req.exact)
			if err != nil {
				return nil, err
			}
			if file != "" {
				*req.dst = file
				continue
			}
		}
		file, err := streamcast.FindFile(inputDir, req.pattern)
		if err != nil {
			return nil, err
		}
		if file == "" {
			return nil, fmt.Errorf("routing: no file matching %s in %s", req.pattern, inputDir)
		}
		*req.dst = file
	}
	for _, opt := range []struct {
		pattern string
		dst     *string
	}{
		{"comid_lat_lon_z*.csv", &rf.GeoFile},
		{"usgs_gages.csv", &rf.GageFile},
		{"qfor.csv", &rf.ForcingFile},
		{"for_tot_id.csv", &rf.ForcingTotalFile},
		{"for_use_id.csv", &rf.ForcingUseFile},
	} {
		file, err := streamcast.FindFile(inputDir, opt.pattern)
		if err != nil {
			return nil, err
		}
		*opt.dst = file
	}
	return rf, nil
}

// WeightFile locates the weight table for the given runoff grid.
func WeightFile(inputDir, gridTag string) (string, error) {
	file, err := streamcast.FindFile(inputDir, "weight_"+gridTag+".csv")
	if err != nil {
		return "", err
	}
	if file == "" {
		return "", fmt.Errorf("routing: no weight table for grid %s in %s", gridTag, inputDir)
	}
	return file, nil
}

// ForcingEnabled reports whether all three forcing files are present.
func (rf *RegionFiles) ForcingEnabled() bool {
	return rf.ForcingFile != "" && rf.ForcingTotalFile != "" && rf.ForcingUseFile != ""
}

// RowCount counts the non-blank lines of a text file, for the
// namelist's table-size parameters.
func RowCount(file string) (int, error) {
	f, err := os.Open(file)
	if err != nil {
		return 0, fmt.Errorf("routing: opening %s: %v", file, err)
	}
	defer f.Close()
	n := 0
	s := bufio.NewScanner(f)
	for s.Scan() {
		if strings.TrimSpace(s.Text()) != "" {
			n++
		}
	}
	if err := s.Err(); err != nil {
		return 0, fmt.Errorf("routing: reading %s: %v", file, err)
	}
	return n, nil
}
