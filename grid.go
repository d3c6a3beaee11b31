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
	"math"
	"os"
	"strings"
	"time"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"
)

// A GridClass is the temporal structure of a gridded runoff forecast.
type GridClass int

const (
	// ClassUnknown marks a file whose time axis could not be
	// classified.
	ClassUnknown GridClass = iota
	// ClassHighRes is the 125-point high-resolution member: 1-hourly
	// to 90 hours, 3-hourly to 144 hours, then 6-hourly to 240 hours.
	ClassHighRes
	// ClassLowResFull is the 85-point perturbed member: 3-hourly to
	// 144 hours then 6-hourly to 360 hours.
	ClassLowResFull
	// ClassLowRes is the legacy 61-point perturbed member: 6-hourly
	// throughout.
	ClassLowRes
	// ClassUniform is a land-surface-model grid with a single uniform
	// time step.
	ClassUniform
)

func (c GridClass) String() string {
	switch c {
	case ClassHighRes:
		return "HighRes"
	case ClassLowResFull:
		return "LowResFull"
	case ClassLowRes:
		return "LowRes"
	case ClassUniform:
		return "Uniform"
	}
	return "Unknown"
}

// timePoints returns the expected time axis length, or 0 when the
// class does not fix one.
func (c GridClass) timePoints() int {
	switch c {
	case ClassHighRes:
		return 125
	case ClassLowResFull:
		return 85
	case ClassLowRes:
		return 61
	}
	return 0
}

// A GridForecast is an open gridded runoff forecast file. The runoff
// variable holds cumulative runoff depth on a (time, latitude,
// longitude) grid.
type GridForecast struct {
	Path  string
	Class GridClass

	// TimeHours is the time axis converted to hours from forecast
	// start.
	TimeHours []float64

	// StepHours is the uniform time step, set only for ClassUniform.
	StepHours float64

	NLat, NLon int

	runoffVar, timeVar string

	f  *os.File
	cf *cdf.File
}

// Coordinate naming sets accepted in runoff grids. The runoff
// variable name also distinguishes the unit convention: "RO" is in
// meters, "ro" in millimeters.
var gridNames = []struct{ lon, lat, time, runoff string }{
	{"lon", "lat", "time", "RO"},
	{"longitude", "latitude", "time", "ro"},
}

// OpenGridForecast opens and validates a gridded runoff forecast
// file. The file must define exactly the longitude, latitude, and
// time dimensions under one of the accepted naming sets, and the
// runoff variable must be dimensioned (time, latitude, longitude).
func OpenGridForecast(path string) (*GridForecast, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("streamcast: opening grid file: %v", err)
	}
	cf, err := cdf.Open(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("streamcast: invalid grid file %s: %v", path, err)
	}
	g := &GridForecast{Path: path, f: f, cf: cf}
	if err := g.validate(); err != nil {
		f.Close()
		return nil, err
	}
	if err := g.identify(); err != nil {
		f.Close()
		return nil, err
	}
	return g, nil
}

func (g *GridForecast) validate() error {
	dims := make(map[string]bool)
	for _, d := range g.cf.Header.Dimensions("") {
		dims[d] = true
	}
	for _, names := range gridNames {
		if !dims[names.lon] || !dims[names.lat] || !dims[names.time] {
			continue
		}
		if len(dims) != 3 {
			return fmt.Errorf("streamcast: invalid grid file %s: extra dimensions beyond %s, %s, %s",
				g.Path, names.lon, names.lat, names.time)
		}
		for _, v := range []string{names.lon, names.lat, names.time, names.runoff} {
			if !hasVariable(g.cf, v) {
				return fmt.Errorf("streamcast: invalid grid file %s: missing variable %s", g.Path, v)
			}
		}
		vdims := g.cf.Header.Dimensions(names.runoff)
		want := []string{names.time, names.lat, names.lon}
		if len(vdims) != 3 || vdims[0] != want[0] || vdims[1] != want[1] || vdims[2] != want[2] {
			return fmt.Errorf("streamcast: invalid grid file %s: runoff variable dimensioned %v; expected %v",
				g.Path, vdims, want)
		}
		lengths := g.cf.Header.Lengths(names.runoff)
		g.NLat, g.NLon = lengths[1], lengths[2]
		g.runoffVar = names.runoff
		g.timeVar = names.time
		return nil
	}
	return fmt.Errorf("streamcast: invalid grid file %s: unrecognized dimension naming %v",
		g.Path, g.cf.Header.Dimensions(""))
}

// identify classifies the time axis by its set of unique step sizes.
func (g *GridForecast) identify() error {
	tv, err := readFloat64s(g.cf, g.timeVar, nil, nil)
	if err != nil {
		return fmt.Errorf("streamcast: invalid grid file %s: %v", g.Path, err)
	}
	if len(tv) < 2 {
		return fmt.Errorf("streamcast: invalid grid file %s: time axis has %d points", g.Path, len(tv))
	}
	// Convert to hours if the time unit is seconds.
	units := attributeString(g.cf, g.timeVar, "units")
	scale := 1.0
	if strings.HasPrefix(units, "seconds") {
		scale = 1.0 / 3600
	}
	g.TimeHours = make([]float64, len(tv))
	for i, v := range tv {
		g.TimeHours[i] = v * scale
	}

	steps := make(map[float64]bool)
	for i := 1; i < len(g.TimeHours); i++ {
		d := g.TimeHours[i] - g.TimeHours[i-1]
		if d <= 0 {
			return fmt.Errorf("streamcast: invalid grid file %s: time axis not increasing at index %d", g.Path, i)
		}
		steps[math.Round(d*1e6)/1e6] = true
	}
	switch {
	case steps[1] && steps[3] && steps[6] && len(steps) == 3:
		g.Class = ClassHighRes
	case steps[3] && steps[6] && len(steps) == 2:
		g.Class = ClassLowResFull
	case steps[6] && len(steps) == 1:
		g.Class = ClassLowRes
	case len(steps) == 1:
		g.Class = ClassUniform
		for d := range steps {
			g.StepHours = d
		}
	default:
		return fmt.Errorf("streamcast: invalid grid file %s: unrecognized time step pattern", g.Path)
	}
	if want := g.Class.timePoints(); want != 0 && len(g.TimeHours) != want {
		return fmt.Errorf("streamcast: invalid grid file %s: %s grid has %d time points; expected %d",
			g.Path, g.Class, len(g.TimeHours), want)
	}
	return nil
}

// StartTime returns the forecast start time parsed from the time
// variable's units attribute, e.g. "hours since 2020-01-01 12:00:00".
func (g *GridForecast) StartTime() (time.Time, error) {
	units := attributeString(g.cf, g.timeVar, "units")
	fields := strings.SplitN(units, " since ", 2)
	if len(fields) != 2 {
		return time.Time{}, fmt.Errorf("streamcast: grid file %s: unparseable time units %q", g.Path, units)
	}
	s := strings.TrimSpace(strings.TrimSuffix(fields[1], "UTC"))
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			epoch := t.UTC()
			return epoch.Add(time.Duration(g.TimeHours[0] * float64(time.Hour))), nil
		}
	}
	return time.Time{}, fmt.Errorf("streamcast: grid file %s: unparseable time units %q", g.Path, units)
}

// ReadSlab reads the runoff variable over the given inclusive
// longitude and latitude index bounds and all time steps. The result
// is dimensioned (time, latitude, longitude) relative to the bounds.
func (g *GridForecast) ReadSlab(minLon, maxLon, minLat, maxLat int) (*sparse.DenseArray, error) {
	if minLon < 0 || maxLon >= g.NLon || minLat < 0 || maxLat >= g.NLat || minLon > maxLon || minLat > maxLat {
		return nil, fmt.Errorf("streamcast: grid file %s: cell bounds lon [%d,%d] lat [%d,%d] outside %dx%d grid",
			g.Path, minLon, maxLon, minLat, maxLat, g.NLon, g.NLat)
	}
	nt := len(g.TimeHours)
	nlat := maxLat - minLat + 1
	nlon := maxLon - minLon + 1
	out := sparse.ZerosDense(nt, nlat, nlon)
	for t := 0; t < nt; t++ {
		for j := 0; j < nlat; j++ {
			row, err := readFloat64s(g.cf, g.runoffVar,
				[]int{t, minLat + j, minLon}, []int{t, minLat + j, maxLon})
			if err != nil {
				return nil, fmt.Errorf("streamcast: grid file %s: %v", g.Path, err)
			}
			copy(out.Elements[(t*nlat+j)*nlon:], row)
		}
	}
	return out, nil
}

// Close closes the underlying file.
func (g *GridForecast) Close() error { return g.f.Close() }
