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
	"os"
	"time"

	"github.com/ctessum/cdf"
)

// A Qout holds the routed discharge series of one ensemble member.
// Flows are stored in (time, reach) order regardless of the on-disk
// layout: raw routing kernel output is dimensioned (time, rivid)
// while canonical merged files are dimensioned (rivid, time).
type Qout struct {
	Path string

	// Rivids is the reach identifier order of the columns; nil when
	// the file does not carry a rivid variable.
	Rivids []int32

	// Times is the time axis in seconds since 1970-01-01 UTC; nil
	// when the file has no valid time axis.
	Times []int32

	NTime int

	flows []float64
}

// ReadQout reads a routed discharge file, either raw kernel output or
// a canonical merged file.
func ReadQout(path string) (*Qout, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("streamcast: opening discharge file: %v", err)
	}
	defer f.Close()
	cf, err := cdf.Open(f)
	if err != nil {
		return nil, fmt.Errorf("streamcast: reading discharge file %s: %v", path, err)
	}
	if !hasVariable(cf, "Qout") {
		return nil, fmt.Errorf("streamcast: discharge file %s has no Qout variable", path)
	}
	q := &Qout{Path: path}

	dims := cf.Header.Dimensions("Qout")
	lengths := cf.Header.Lengths("Qout")
	if len(dims) != 2 {
		return nil, fmt.Errorf("streamcast: discharge file %s: Qout dimensioned %v; expected 2 dimensions", path, dims)
	}
	vals, err := readFloat64s(cf, "Qout", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("streamcast: discharge file %s: %v", path, err)
	}
	var nRiv int
	if dims[0] == "rivid" {
		// Canonical layout (rivid, time): transpose to (time, reach).
		nRiv, q.NTime = lengths[0], lengths[1]
		q.flows = make([]float64, len(vals))
		for i := 0; i < nRiv; i++ {
			for t := 0; t < q.NTime; t++ {
				q.flows[t*nRiv+i] = vals[i*q.NTime+t]
			}
		}
	} else {
		q.NTime, nRiv = lengths[0], lengths[1]
		q.flows = vals
	}

	if hasVariable(cf, "rivid") {
		if q.Rivids, err = readInt32s(cf, "rivid", nil, nil); err != nil {
			return nil, fmt.Errorf("streamcast: discharge file %s: %v", path, err)
		}
		if len(q.Rivids) != nRiv {
			return nil, fmt.Errorf("streamcast: discharge file %s: %d reach identifiers for %d columns",
				path, len(q.Rivids), nRiv)
		}
	}
	if hasVariable(cf, "time") {
		tv, err := readInt32s(cf, "time", nil, nil)
		if err == nil && validTimeAxis(tv, q.NTime) {
			q.Times = tv
		}
	}
	return q, nil
}

// timeUnix converts an epoch-seconds time stamp to UTC.
func timeUnix(ts int32) time.Time { return time.Unix(int64(ts), 0).UTC() }

// validTimeAxis reports whether tv is a usable time axis: the right
// length, strictly increasing, and not all zero.
func validTimeAxis(tv []int32, nTime int) bool {
	if len(tv) != nTime || nTime == 0 {
		return false
	}
	nonzero := false
	for i, v := range tv {
		if v != 0 {
			nonzero = true
		}
		if i > 0 && v <= tv[i-1] {
			return false
		}
	}
	return nonzero
}

// NumReaches returns the number of reach columns.
func (q *Qout) NumReaches() int {
	if q.NTime == 0 {
		return 0
	}
	return len(q.flows) / q.NTime
}

// At returns the discharge at time index t for reach column i.
func (q *Qout) At(t, i int) float64 { return q.flows[t*q.NumReaches()+i] }

// Step returns the discharge of all reaches at time index t, in
// column order. A negative t counts back from the final step.
func (q *Qout) Step(t int) []float64 {
	if t < 0 {
		t += q.NTime
	}
	n := q.NumReaches()
	o := make([]float64, n)
	copy(o, q.flows[t*n:(t+1)*n])
	return o
}

// Series returns the discharge time series of reach column i.
func (q *Qout) Series(i int) []float64 {
	n := q.NumReaches()
	o := make([]float64, q.NTime)
	for t := 0; t < q.NTime; t++ {
		o[t] = q.flows[t*n+i]
	}
	return o
}

// MergeQouts concatenates raw routed segment files into a canonical
// discharge file at outPath. Segment k's samples are stamped at the
// running time cursor advanced by steps[k] per sample, starting from
// the forecast start; the cursor carries across segments so that a
// 1-hourly, 3-hourly, 6-hourly chain yields a continuous axis.
// rivids gives the reach order of the raw files; geo optionally
// provides reach outlet coordinates.
func MergeQouts(segFiles []string, steps []time.Duration, start time.Time, rivids []int32, geo map[int32]GeoPoint, outPath string) error {
	if len(segFiles) == 0 || len(segFiles) != len(steps) {
		return fmt.Errorf("streamcast: %d segment files with %d time steps", len(segFiles), len(steps))
	}
	n := len(rivids)
	var flows []float64 // (time, reach)
	var times []int32
	cursor := start.UTC()
	for k, file := range segFiles {
		q, err := ReadQout(file)
		if err != nil {
			return err
		}
		if q.NumReaches() != n {
			return fmt.Errorf("streamcast: segment %s has %d reaches; expected %d", file, q.NumReaches(), n)
		}
		for t := 0; t < q.NTime; t++ {
			cursor = cursor.Add(steps[k])
			times = append(times, int32(cursor.Unix()))
			flows = append(flows, q.flows[t*n:(t+1)*n]...)
		}
	}
	return writeCanonicalQout(outPath, rivids, times, flows, geo)
}

const geoFill = -9999.0

func writeCanonicalQout(path string, rivids []int32, times []int32, flows []float64, geo map[int32]GeoPoint) error {
	n := len(rivids)
	nt := len(times)
	h := cdf.NewHeader([]string{"rivid", "time"}, []int{n, nt})
	h.AddVariable("rivid", []string{"rivid"}, []int32{0})
	h.AddAttribute("rivid", "long_name", "unique identifier for each river reach")
	h.AddAttribute("rivid", "cf_role", "timeseries_id")
	h.AddVariable("time", []string{"time"}, []int32{0})
	h.AddAttribute("time", "long_name", "time")
	h.AddAttribute("time", "standard_name", "time")
	h.AddAttribute("time", "units", "seconds since 1970-01-01 00:00:00 UTC")
	h.AddAttribute("time", "axis", "T")
	h.AddVariable("Qout", []string{"rivid", "time"}, []float32{0})
	h.AddAttribute("Qout", "long_name", "Discharge")
	h.AddAttribute("Qout", "units", "m3 s-1")
	h.AddAttribute("Qout", "coordinates", "lon lat z")
	h.AddAttribute("Qout", "grid_mapping", "crs")
	for _, v := range []struct{ name, long, units string }{
		{"lat", "latitude", "degrees_north"},
		{"lon", "longitude", "degrees_east"},
		{"z", "Elevation", "m"},
	} {
		h.AddVariable(v.name, []string{"rivid"}, []float64{0})
		h.AddAttribute(v.name, "long_name", v.long)
		h.AddAttribute(v.name, "units", v.units)
		h.AddAttribute(v.name, "_FillValue", []float64{geoFill})
	}
	h.AddVariable("crs", []string{}, []int32{0})
	h.AddAttribute("crs", "grid_mapping_name", "latitude_longitude")
	h.AddAttribute("crs", "epsg_code", "EPSG:4269")
	h.AddAttribute("crs", "semi_major_axis", []float64{6378137.0})
	h.AddAttribute("crs", "inverse_flattening", []float64{298.257222101})
	h.AddAttribute("", "Conventions", "CF-1.6")
	h.AddAttribute("", "featureType", "timeSeries")
	h.AddAttribute("", "time_coverage_start", time.Unix(int64(times[0]), 0).UTC().Format(time.RFC3339))
	h.AddAttribute("", "time_coverage_end", time.Unix(int64(times[nt-1]), 0).UTC().Format(time.RFC3339))
	h.Define()
	if errs := h.Check(); len(errs) != 0 {
		return fmt.Errorf("streamcast: building discharge file header: %v", errs)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("streamcast: creating discharge file: %v", err)
	}
	cf, err := cdf.Create(f, h)
	if err != nil {
		f.Close()
		return fmt.Errorf("streamcast: creating discharge file %s: %v", path, err)
	}

	qout := make([]float32, n*nt) // (rivid, time)
	for t := 0; t < nt; t++ {
		for i := 0; i < n; i++ {
			qout[i*nt+t] = float32(flows[t*n+i])
		}
	}
	lat := make([]float64, n)
	lon := make([]float64, n)
	z := make([]float64, n)
	for i, id := range rivids {
		if p, ok := geo[id]; ok {
			lat[i], lon[i], z[i] = p.Lat, p.Lon, p.Z
		} else {
			lat[i], lon[i], z[i] = geoFill, geoFill, geoFill
		}
	}
	for _, w := range []struct {
		name string
		data interface{}
	}{
		{"rivid", rivids},
		{"time", times},
		{"Qout", qout},
		{"lat", lat},
		{"lon", lon},
		{"z", z},
		{"crs", []int32{0}},
	} {
		if _, err := cf.Writer(w.name, nil, nil).Write(w.data); err != nil {
			f.Close()
			return fmt.Errorf("streamcast: writing %s to discharge file %s: %v", w.name, path, err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("streamcast: closing discharge file %s: %v", path, err)
	}
	return nil
}
