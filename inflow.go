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

	"github.com/ctessum/cdf"
)

// A TimeInterval selects which cadence segment of a runoff forecast
// an inflow file is built for. The empty interval selects the
// class-default schedule.
type TimeInterval string

const (
	Interval1hr       TimeInterval = "1hr"
	Interval3hr       TimeInterval = "3hr"
	Interval3hrSubset TimeInterval = "3hr_subset"
	Interval6hr       TimeInterval = "6hr"
	Interval6hrSubset TimeInterval = "6hr_subset"
	IntervalDefault   TimeInterval = ""
)

// GridTag returns the runoff grid identifier used in weight table
// file names.
func (c GridClass) GridTag() string {
	if c == ClassHighRes {
		return "ecmwf_t1279"
	}
	return "ecmwf_tco639"
}

// ConversionFactor returns the multiplier that converts runoff values
// on the named grid to meters. New-generation grids report runoff in
// millimeters.
func ConversionFactor(gridTag string) float64 {
	switch gridTag {
	case "ecmwf_t1279", "ecmwf_tco639":
		return 1e-3
	}
	return 1
}

// A diffPair addresses one inflow step as the difference between two
// cumulative-runoff time indices: out = c[hi] - c[lo].
type diffPair struct{ hi, lo int }

// diffSchedule returns the cumulative-difference schedule for one
// cadence segment of the given grid class. The high-resolution member
// carries 1-hourly output to hour 90, 3-hourly to 144, and 6-hourly
// to 240; the schedules below restate each cadence segment in terms
// of the mixed-cadence time axis.
func diffSchedule(class GridClass, interval TimeInterval, nTime int) ([]diffPair, error) {
	var o []diffPair
	add := func(hiStart, loStart, stride, count int) {
		for i := 0; i < count; i++ {
			o = append(o, diffPair{hi: hiStart + i*stride, lo: loStart + i*stride})
		}
	}
	switch class {
	case ClassHighRes:
		switch interval {
		case Interval1hr:
			add(1, 0, 1, 90)
		case Interval3hr:
			add(3, 0, 3, 30)
			add(91, 90, 1, 18)
		case Interval3hrSubset:
			add(91, 90, 1, 18)
		case Interval6hrSubset:
			add(109, 108, 1, 16)
		case Interval6hr, IntervalDefault:
			add(6, 0, 6, 15)
			add(92, 90, 2, 9)
			add(109, 108, 1, 16)
		default:
			return nil, fmt.Errorf("streamcast: interval %q is invalid for a %s grid", interval, class)
		}
	case ClassLowResFull:
		switch interval {
		case Interval3hrSubset:
			add(1, 0, 1, 48)
		case Interval6hrSubset:
			add(49, 48, 1, 36)
		case Interval6hr, IntervalDefault:
			add(2, 0, 2, 24)
			add(49, 48, 1, 36)
		default:
			return nil, fmt.Errorf("streamcast: interval %q is invalid for a %s grid", interval, class)
		}
	case ClassLowRes:
		switch interval {
		case Interval6hr, IntervalDefault:
			add(1, 0, 1, 60)
		default:
			return nil, fmt.Errorf("streamcast: interval %q is invalid for a %s grid", interval, class)
		}
	case ClassUniform:
		if interval != IntervalDefault {
			return nil, fmt.Errorf("streamcast: interval %q is invalid for a %s grid", interval, class)
		}
		add(1, 0, 1, nTime-1)
	default:
		return nil, fmt.Errorf("streamcast: cannot build inflow for %s grid", class)
	}
	for _, p := range o {
		if p.hi >= nTime {
			return nil, fmt.Errorf("streamcast: %s schedule needs time index %d but grid has %d points",
				class, p.hi, nTime)
		}
	}
	return o, nil
}

// noiseFloor is the cumulative-runoff level (m) below which values
// are treated as numerical noise and zeroed before differencing.
const noiseFloor = 1e-5

// BuildInflow converts a gridded cumulative-runoff forecast to a
// lateral inflow volume file for the reaches of the given weight
// table. Cumulative depths are scaled to meters by factor, zeroed
// below the noise floor, differenced along the cadence segment
// selected by interval, multiplied by each cell's catchment area, and
// summed per reach; negative increments are clamped to zero. The
// result is written to outPath as a NetCDF classic file with an
// m3_riv(Time, rivid) variable whose reach order matches the weight
// table group order.
func BuildInflow(g *GridForecast, wt *WeightTable, factor float64, interval TimeInterval, outPath string) error {
	pairs, err := diffSchedule(g.Class, interval, len(g.TimeHours))
	if err != nil {
		return err
	}
	minLon, maxLon, minLat, maxLat := wt.Bounds()
	slab, err := g.ReadSlab(minLon, maxLon, minLat, maxLat)
	if err != nil {
		return err
	}
	nLonSub := maxLon - minLon + 1
	nLatSub := maxLat - minLat + 1
	nTime := len(g.TimeHours)

	nSteps := len(pairs)
	nRiv := len(wt.Groups)
	out := make([]float32, nSteps*nRiv)

	cum := make([]float64, nTime)
	for gi, group := range wt.Groups {
		for j := range group.Areas {
			cellOff := (group.LatIdx[j]-minLat)*nLonSub + (group.LonIdx[j] - minLon)
			if group.LatIdx[j] < minLat || group.LatIdx[j] > maxLat ||
				group.LonIdx[j] < minLon || group.LonIdx[j] > maxLon {
				return fmt.Errorf("streamcast: weight table cell (%d,%d) outside grid bounds",
					group.LonIdx[j], group.LatIdx[j])
			}
			for t := 0; t < nTime; t++ {
				v := slab.Elements[t*nLatSub*nLonSub+cellOff] * factor
				if v <= noiseFloor {
					v = 0
				}
				cum[t] = v
			}
			area := group.Areas[j]
			for k, p := range pairs {
				d := (cum[p.hi] - cum[p.lo]) * area
				if d < 0 {
					d = 0
				}
				out[k*nRiv+gi] += float32(d)
			}
		}
	}
	return writeInflow(outPath, out, nSteps, nRiv)
}

func writeInflow(path string, data []float32, nSteps, nRiv int) error {
	h := cdf.NewHeader([]string{"Time", "rivid"}, []int{nSteps, nRiv})
	h.AddVariable("m3_riv", []string{"Time", "rivid"}, []float32{0})
	h.AddAttribute("m3_riv", "long_name", "accumulated external water volume inflow upstream of each river reach")
	h.AddAttribute("m3_riv", "units", "m3")
	h.AddAttribute("m3_riv", "_FillValue", []float32{0})
	h.Define()
	if errs := h.Check(); len(errs) != 0 {
		return fmt.Errorf("streamcast: building inflow file header: %v", errs)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("streamcast: creating inflow file: %v", err)
	}
	cf, err := cdf.Create(f, h)
	if err != nil {
		f.Close()
		return fmt.Errorf("streamcast: creating inflow file %s: %v", path, err)
	}
	w := cf.Writer("m3_riv", nil, nil)
	if _, err := w.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("streamcast: writing inflow file %s: %v", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("streamcast: closing inflow file %s: %v", path, err)
	}
	return nil
}
