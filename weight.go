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
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// A WeightGroup maps one stream reach to the grid cells that drain
// into it. The parallel slices hold, for each contributing cell, its
// catchment intersection area (m2) and its longitude and latitude
// indices into the runoff grid.
type WeightGroup struct {
	StreamID int32
	Areas    []float64
	LonIdx   []int
	LatIdx   []int
}

// A WeightTable is an ordered list of weight groups; the group order
// defines the reach order of the lateral inflow file built from it.
type WeightTable struct {
	Groups []WeightGroup
}

// weightHeader is the required tail of the weight table header row.
// The name of the first column varies between network generations and
// is not checked.
var weightHeader = []string{"area_sqm", "lon_index", "lat_index", "npoints"}

// ReadWeightTable reads a grid-to-reach weight table. Rows are
// grouped by the npoints column: each group of npoints consecutive
// rows describes the contributing cells of a single reach and must
// share one stream identifier.
func ReadWeightTable(file string) (*WeightTable, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("streamcast: opening weight table: %v", err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("streamcast: reading weight table %s: %v", file, err)
	}
	if len(header) < 5 {
		return nil, fmt.Errorf("streamcast: weight table %s header has %d columns; expected at least 5", file, len(header))
	}
	for i, want := range weightHeader {
		if got := strings.TrimSpace(header[i+1]); got != want {
			return nil, fmt.Errorf("streamcast: weight table %s column %d is %q; expected %q", file, i+1, got, want)
		}
	}

	var rows [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("streamcast: reading weight table %s: %v", file, err)
		}
		rows = append(rows, rec)
	}

	wt := new(WeightTable)
	for i := 0; i < len(rows); {
		rec := rows[i]
		if len(rec) < 5 {
			return nil, fmt.Errorf("streamcast: weight table %s row %d has %d columns; expected at least 5", file, i+2, len(rec))
		}
		npoints, err := strconv.Atoi(strings.TrimSpace(rec[4]))
		if err != nil || npoints < 1 {
			return nil, fmt.Errorf("streamcast: weight table %s row %d has invalid npoints %q", file, i+2, rec[4])
		}
		if i+npoints > len(rows) {
			return nil, fmt.Errorf("streamcast: weight table %s row %d declares %d points but only %d rows remain",
				file, i+2, npoints, len(rows)-i)
		}
		g := WeightGroup{
			Areas:  make([]float64, npoints),
			LonIdx: make([]int, npoints),
			LatIdx: make([]int, npoints),
		}
		for j := 0; j < npoints; j++ {
			rec := rows[i+j]
			if len(rec) < 5 {
				return nil, fmt.Errorf("streamcast: weight table %s row %d has %d columns; expected at least 5", file, i+j+2, len(rec))
			}
			id, err := parseID(rec[0])
			if err != nil {
				return nil, fmt.Errorf("streamcast: weight table %s row %d: %v", file, i+j+2, err)
			}
			if j == 0 {
				g.StreamID = id
			} else if id != g.StreamID {
				return nil, fmt.Errorf("streamcast: weight table %s row %d: stream %d inside group for stream %d",
					file, i+j+2, id, g.StreamID)
			}
			if g.Areas[j], err = strconv.ParseFloat(strings.TrimSpace(rec[1]), 64); err != nil {
				return nil, fmt.Errorf("streamcast: weight table %s row %d: parsing area: %v", file, i+j+2, err)
			}
			if g.LonIdx[j], err = strconv.Atoi(strings.TrimSpace(rec[2])); err != nil {
				return nil, fmt.Errorf("streamcast: weight table %s row %d: parsing longitude index: %v", file, i+j+2, err)
			}
			if g.LatIdx[j], err = strconv.Atoi(strings.TrimSpace(rec[3])); err != nil {
				return nil, fmt.Errorf("streamcast: weight table %s row %d: parsing latitude index: %v", file, i+j+2, err)
			}
		}
		wt.Groups = append(wt.Groups, g)
		i += npoints
	}
	if len(wt.Groups) == 0 {
		return nil, fmt.Errorf("streamcast: weight table %s has no data rows", file)
	}
	return wt, nil
}

// StreamIDs returns the stream identifiers in group order.
func (wt *WeightTable) StreamIDs() []int32 {
	o := make([]int32, len(wt.Groups))
	for i, g := range wt.Groups {
		o[i] = g.StreamID
	}
	return o
}

// Bounds returns the inclusive bounding box of all contributing grid
// cells as (minLon, maxLon, minLat, maxLat) indices.
func (wt *WeightTable) Bounds() (minLon, maxLon, minLat, maxLat int) {
	first := true
	for _, g := range wt.Groups {
		for j := range g.Areas {
			if first {
				minLon, maxLon = g.LonIdx[j], g.LonIdx[j]
				minLat, maxLat = g.LatIdx[j], g.LatIdx[j]
				first = false
				continue
			}
			if g.LonIdx[j] < minLon {
				minLon = g.LonIdx[j]
			}
			if g.LonIdx[j] > maxLon {
				maxLon = g.LonIdx[j]
			}
			if g.LatIdx[j] < minLat {
				minLat = g.LatIdx[j]
			}
			if g.LatIdx[j] > maxLat {
				maxLat = g.LatIdx[j]
			}
		}
	}
	return
}
