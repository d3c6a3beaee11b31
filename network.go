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

// A Reach is one row of the connectivity table, plus the assimilation
// state attached to it while building an initial-flow file.
type Reach struct {
	ID     int32
	DownID int32
	UpIDs  []int32

	// InitFlow is the model initial flow for the reach (m3/s).
	InitFlow float64

	// NaturalFlow is the long-term natural flow at the reach (m3/s),
	// if a gage record provides one.
	NaturalFlow float64
	HasNatural  bool

	// Station is the identifier of the stream gage observing this
	// reach, if any.
	Station string

	// StationFlow is the observation-adjusted flow, either measured
	// directly at a gage or propagated from a neighboring gaged reach.
	StationFlow    float64
	HasStationFlow bool

	// measured marks a reach whose StationFlow came directly from its
	// own gage rather than by propagation; corrections never propagate
	// through such a reach.
	measured bool
}

// A Network is a river network connectivity table in file row order.
// Initial-flow files are written one row per connectivity row, in the
// same order.
type Network struct {
	Reaches []Reach

	index map[int32]int
}

// LoadNetwork reads a connectivity table. Each row holds the reach
// identifier, the downstream reach identifier (0 for an outlet), the
// number of upstream reaches, and that many upstream identifiers.
func LoadNetwork(file string) (*Network, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("streamcast: opening connectivity file: %v", err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	n := &Network{index: make(map[int32]int)}
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("streamcast: reading connectivity file %s: %v", file, err)
		}
		if len(rec) < 3 {
			return nil, fmt.Errorf("streamcast: connectivity row %v has fewer than 3 fields", rec)
		}
		var reach Reach
		if reach.ID, err = parseID(rec[0]); err != nil {
			return nil, fmt.Errorf("streamcast: connectivity file %s: %v", file, err)
		}
		if reach.DownID, err = parseID(rec[1]); err != nil {
			return nil, fmt.Errorf("streamcast: connectivity file %s: %v", file, err)
		}
		nUp, err := strconv.Atoi(strings.TrimSpace(rec[2]))
		if err != nil {
			return nil, fmt.Errorf("streamcast: connectivity file %s: parsing upstream count: %v", file, err)
		}
		for i := 0; i < nUp && 3+i < len(rec); i++ {
			id, err := parseID(rec[3+i])
			if err != nil {
				return nil, fmt.Errorf("streamcast: connectivity file %s: %v", file, err)
			}
			if id != 0 {
				reach.UpIDs = append(reach.UpIDs, id)
			}
		}
		if _, ok := n.index[reach.ID]; ok {
			return nil, fmt.Errorf("streamcast: duplicate reach %d in connectivity file %s", reach.ID, file)
		}
		n.index[reach.ID] = len(n.Reaches)
		n.Reaches = append(n.Reaches, reach)
	}
	if len(n.Reaches) == 0 {
		return nil, fmt.Errorf("streamcast: connectivity file %s is empty", file)
	}
	return n, nil
}

func parseID(s string) (int32, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parsing reach identifier %q: %v", s, err)
	}
	return int32(v), nil
}

// Lookup returns the row index of the reach with the given identifier.
func (n *Network) Lookup(id int32) (int, bool) {
	i, ok := n.index[id]
	return i, ok
}

// MaxUpstream returns the largest upstream count of any reach.
func (n *Network) MaxUpstream() int {
	max := 0
	for i := range n.Reaches {
		if len(n.Reaches[i].UpIDs) > max {
			max = len(n.Reaches[i].UpIDs)
		}
	}
	return max
}

// SetInitFlows assigns initial flows to the reaches in row order.
func (n *Network) SetInitFlows(flows []float64) error {
	if len(flows) != len(n.Reaches) {
		return fmt.Errorf("streamcast: %d initial flows for %d reaches", len(flows), len(n.Reaches))
	}
	for i := range n.Reaches {
		n.Reaches[i].InitFlow = flows[i]
	}
	return nil
}

// LoadGages attaches gage metadata from a station table to the
// network. Each data row holds the reach identifier, the long-term
// natural flow (blank or "N/A" when unknown), and the gage station
// identifier. Seven-digit station identifiers are zero-padded to
// eight digits. The header row is skipped. Rows naming reaches
// absent from the connectivity table are ignored.
func (n *Network) LoadGages(file string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("streamcast: opening gage station file: %v", err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	first := true
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("streamcast: reading gage station file %s: %v", file, err)
		}
		if first {
			first = false
			continue
		}
		if len(rec) < 3 {
			continue
		}
		id, err := parseID(rec[0])
		if err != nil {
			return fmt.Errorf("streamcast: gage station file %s: %v", file, err)
		}
		i, ok := n.index[id]
		if !ok {
			continue
		}
		if natural, err := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64); err == nil {
			n.Reaches[i].NaturalFlow = natural
			n.Reaches[i].HasNatural = true
		}
		station := strings.TrimSpace(rec[2])
		if len(station) == 7 {
			station = "0" + station
		}
		n.Reaches[i].Station = station
	}
	return nil
}

// LoadBasinIDs reads a routed-basin identifier file, one reach
// identifier per line, in routing output order.
func LoadBasinIDs(file string) ([]int32, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("streamcast: opening basin identifier file: %v", err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var ids []int32
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("streamcast: reading basin identifier file %s: %v", file, err)
		}
		if len(rec) == 0 || strings.TrimSpace(rec[0]) == "" {
			continue
		}
		id, err := parseID(rec[0])
		if err != nil {
			return nil, fmt.Errorf("streamcast: basin identifier file %s: %v", file, err)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("streamcast: basin identifier file %s is empty", file)
	}
	return ids, nil
}

// A GeoPoint is the georeference of a reach outlet.
type GeoPoint struct {
	Lat, Lon, Z float64
}

// LoadGeoreference reads a reach georeference table with a header row
// followed by rows of reach identifier, latitude, longitude, and
// elevation.
func LoadGeoreference(file string) (map[int32]GeoPoint, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("streamcast: opening georeference file: %v", err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	o := make(map[int32]GeoPoint)
	first := true
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("streamcast: reading georeference file %s: %v", file, err)
		}
		if first {
			first = false
			continue
		}
		if len(rec) < 3 {
			continue
		}
		id, err := parseID(rec[0])
		if err != nil {
			return nil, fmt.Errorf("streamcast: georeference file %s: %v", file, err)
		}
		var p GeoPoint
		if p.Lat, err = strconv.ParseFloat(strings.TrimSpace(rec[1]), 64); err != nil {
			return nil, fmt.Errorf("streamcast: georeference file %s: parsing latitude: %v", file, err)
		}
		if p.Lon, err = strconv.ParseFloat(strings.TrimSpace(rec[2]), 64); err != nil {
			return nil, fmt.Errorf("streamcast: georeference file %s: parsing longitude: %v", file, err)
		}
		if len(rec) > 3 {
			p.Z, _ = strconv.ParseFloat(strings.TrimSpace(rec[3]), 64)
		}
		o[id] = p
	}
	return o, nil
}
