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
	"path/filepath"
	"testing"
	"time"

	"github.com/ctessum/cdf"
)

// highResAxis is the mixed-cadence time axis of the 125-point
// high-resolution member: 1-hourly to hour 90, 3-hourly to 144,
// 6-hourly to 240.
func highResAxis() []float64 {
	var o []float64
	for h := 0; h <= 90; h++ {
		o = append(o, float64(h))
	}
	for h := 93; h <= 144; h += 3 {
		o = append(o, float64(h))
	}
	for h := 150; h <= 240; h += 6 {
		o = append(o, float64(h))
	}
	return o
}

func lowResFullAxis() []float64 {
	var o []float64
	for h := 0; h <= 144; h += 3 {
		o = append(o, float64(h))
	}
	for h := 150; h <= 360; h += 6 {
		o = append(o, float64(h))
	}
	return o
}

func lowResAxis() []float64 {
	var o []float64
	for h := 0; h <= 360; h += 6 {
		o = append(o, float64(h))
	}
	return o
}

// writeGridFile writes a gridded runoff forecast file for testing.
// When mm is true the alternate naming set (longitude/latitude/ro) is
// used, marking millimeter units. value gives the cumulative runoff at
// (time index, latitude index, longitude index).
func writeGridFile(t *testing.T, path string, timeHours []float64, units string, nLat, nLon int, mm bool, value func(ti, j, i int) float64) {
	t.Helper()
	lonName, latName, roName := "lon", "lat", "RO"
	if mm {
		lonName, latName, roName = "longitude", "latitude", "ro"
	}
	nt := len(timeHours)
	h := cdf.NewHeader([]string{"time", latName, lonName}, []int{nt, nLat, nLon})
	h.AddVariable("time", []string{"time"}, []float64{0})
	h.AddAttribute("time", "units", units)
	h.AddVariable(latName, []string{latName}, []float64{0})
	h.AddVariable(lonName, []string{lonName}, []float64{0})
	h.AddVariable(roName, []string{"time", latName, lonName}, []float64{0})
	h.Define()
	if errs := h.Check(); len(errs) != 0 {
		t.Fatalf("building grid header: %v", errs)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	cf, err := cdf.Create(f, h)
	if err != nil {
		t.Fatal(err)
	}
	ro := make([]float64, nt*nLat*nLon)
	for ti := 0; ti < nt; ti++ {
		for j := 0; j < nLat; j++ {
			for i := 0; i < nLon; i++ {
				ro[(ti*nLat+j)*nLon+i] = value(ti, j, i)
			}
		}
	}
	for _, w := range []struct {
		name string
		data interface{}
	}{
		{"time", timeHours},
		{latName, make([]float64, nLat)},
		{lonName, make([]float64, nLon)},
		{roName, ro},
	} {
		if _, err := cf.Writer(w.name, nil, nil).Write(w.data); err != nil {
			t.Fatalf("writing %s: %v", w.name, err)
		}
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOpenGridForecast_classes(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name  string
		axis  []float64
		class GridClass
	}{
		{"highres.nc", highResAxis(), ClassHighRes},
		{"lowresfull.nc", lowResFullAxis(), ClassLowResFull},
		{"lowres.nc", lowResAxis(), ClassLowRes},
		{"uniform.nc", []float64{0, 12, 24, 36}, ClassUniform},
	}
	for _, test := range tests {
		path := filepath.Join(dir, test.name)
		writeGridFile(t, path, test.axis, "hours since 2020-01-01 00:00:00", 2, 3, false,
			func(ti, j, i int) float64 { return 0 })
		g, err := OpenGridForecast(path)
		if err != nil {
			t.Fatalf("%s: %v", test.name, err)
		}
		if g.Class != test.class {
			t.Errorf("%s: class %s; want %s", test.name, g.Class, test.class)
		}
		if g.NLat != 2 || g.NLon != 3 {
			t.Errorf("%s: grid %dx%d; want 2x3", test.name, g.NLat, g.NLon)
		}
		g.Close()
	}
}

func TestOpenGridForecast_uniformStep(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lsm.nc")
	writeGridFile(t, path, []float64{0, 3, 6, 9}, "hours since 2020-06-01 00:00:00", 1, 1, true,
		func(ti, j, i int) float64 { return 0 })
	g, err := OpenGridForecast(path)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()
	if g.Class != ClassUniform {
		t.Fatalf("class %s; want Uniform", g.Class)
	}
	if g.StepHours != 3 {
		t.Errorf("step %g hours; want 3", g.StepHours)
	}
}

func TestOpenGridForecast_badTimeAxis(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.nc")
	writeGridFile(t, path, []float64{0, 6, 3}, "hours since 2020-01-01 00:00:00", 1, 1, false,
		func(ti, j, i int) float64 { return 0 })
	if _, err := OpenGridForecast(path); err == nil {
		t.Fatal("expected error for a non-increasing time axis")
	}
}

func TestStartTime(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		units string
		want  time.Time
	}{
		{"hours since 2020-01-01 12:00:00", time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC)},
		{"hours since 2020-01-01T00:00:00", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"hours since 2020-01-01 00:00:00 UTC", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for k, test := range tests {
		path := filepath.Join(dir, fmt.Sprintf("grid%d.nc", k))
		writeGridFile(t, path, []float64{0, 12, 24}, test.units, 1, 1, false,
			func(ti, j, i int) float64 { return 0 })
		g, err := OpenGridForecast(path)
		if err != nil {
			t.Fatal(err)
		}
		start, err := g.StartTime()
		g.Close()
		if err != nil {
			t.Fatalf("units %q: %v", test.units, err)
		}
		if !start.Equal(test.want) {
			t.Errorf("units %q: start %v; want %v", test.units, start, test.want)
		}
	}
}

func TestStartTime_secondsUnits(t *testing.T) {
	// A seconds-based axis is converted to hours, so the start time
	// offset still applies correctly.
	path := filepath.Join(t.TempDir(), "seconds.nc")
	writeGridFile(t, path, []float64{3600, 7200, 10800}, "seconds since 2020-01-01 00:00:00", 1, 1, false,
		func(ti, j, i int) float64 { return 0 })
	g, err := OpenGridForecast(path)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()
	start, err := g.StartTime()
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2020, 1, 1, 1, 0, 0, 0, time.UTC)
	if !start.Equal(want) {
		t.Errorf("start %v; want %v", start, want)
	}
}

func TestReadSlab(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slab.nc")
	writeGridFile(t, path, []float64{0, 12, 24}, "hours since 2020-01-01 00:00:00", 4, 5, false,
		func(ti, j, i int) float64 { return float64(ti*100 + j*10 + i) })
	g, err := OpenGridForecast(path)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()
	slab, err := g.ReadSlab(1, 3, 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	for ti := 0; ti < 3; ti++ {
		for j := 0; j < 2; j++ {
			for i := 0; i < 3; i++ {
				want := float64(ti*100 + (j+2)*10 + (i + 1))
				if got := slab.Get(ti, j, i); math.Abs(got-want) > 1e-12 {
					t.Fatalf("slab[%d,%d,%d] = %g; want %g", ti, j, i, got, want)
				}
			}
		}
	}
	if _, err := g.ReadSlab(0, 5, 0, 0); err == nil {
		t.Error("expected error for out-of-range longitude bound")
	}
}
