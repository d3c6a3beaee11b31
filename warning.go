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
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/ctessum/cdf"
	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/geojson"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultWarningThreshold is the minimum plausible 20-year return
// flow (m3/s); reaches whose published return flow falls below it get
// floored thresholds instead.
const DefaultWarningThreshold = 10

// returnPeriods holds one region's published return-period flows and
// reach coordinates.
type returnPeriods struct {
	rivids   []int32
	r20      []float64
	r10      []float64
	r2       []float64
	lat, lon []float64
}

func readReturnPeriods(file string) (*returnPeriods, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("streamcast: opening return-period file: %v", err)
	}
	defer f.Close()
	cf, err := cdf.Open(f)
	if err != nil {
		return nil, fmt.Errorf("streamcast: reading return-period file %s: %v", file, err)
	}
	rp := new(returnPeriods)
	if rp.rivids, err = readInt32s(cf, "rivid", nil, nil); err != nil {
		return nil, fmt.Errorf("streamcast: return-period file %s: %v", file, err)
	}
	for _, v := range []struct {
		name string
		dst  *[]float64
	}{
		{"return_period_20", &rp.r20},
		{"return_period_10", &rp.r10},
		{"return_period_2", &rp.r2},
		{"lat", &rp.lat},
		{"lon", &rp.lon},
	} {
		if *v.dst, err = readFloat64s(cf, v.name, nil, nil); err != nil {
			return nil, fmt.Errorf("streamcast: return-period file %s: %v", file, err)
		}
		if len(*v.dst) != len(rp.rivids) {
			return nil, fmt.Errorf("streamcast: return-period file %s: %s has %d values for %d reaches",
				file, v.name, len(*v.dst), len(rp.rivids))
		}
	}
	return rp, nil
}

// thresholds returns the (2-year, 10-year, 20-year) warning
// thresholds for reach row i. When flooring is enabled and the
// published 20-year flow is below the floor, the thresholds become
// (floor, 5*floor, 10*floor).
func (rp *returnPeriods) thresholds(i int, floor float64, useFloor bool) (r2, r10, r20 float64) {
	r2, r10, r20 = rp.r2[i], rp.r10[i], rp.r20[i]
	if useFloor && r20 < floor {
		r2, r10, r20 = floor, 5*floor, 10*floor
	}
	return
}

// dailyPeaks reduces one member's discharge series to per-day maxima.
// The outer map key is the UTC date.
type dailyPeaks map[string][]float64

func memberDailyPeaks(file string) (dailyPeaks, []int32, error) {
	q, err := ReadQout(file)
	if err != nil {
		return nil, nil, err
	}
	if q.Rivids == nil || q.Times == nil {
		return nil, nil, fmt.Errorf("streamcast: discharge file %s lacks rivid or time variables", file)
	}
	n := q.NumReaches()
	peaks := make(dailyPeaks)
	for t, ts := range q.Times {
		date := epochDate(ts)
		day, ok := peaks[date]
		if !ok {
			day = make([]float64, n)
			for i := range day {
				day[i] = math.Inf(-1)
			}
			peaks[date] = day
		}
		for i := 0; i < n; i++ {
			if v := q.At(t, i); v > day[i] {
				day[i] = v
			}
		}
	}
	return peaks, q.Rivids, nil
}

func epochDate(ts int32) string {
	return timeUnix(ts).Format("2006-01-02")
}

// warningFeature is one GeoJSON warning point.
type warningFeature struct {
	Type       string                 `json:"type"`
	Geometry   *geojson.Geometry      `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
}

type warningCollection struct {
	Type     string           `json:"type"`
	CRS      interface{}      `json:"crs"`
	Features []warningFeature `json:"features"`
}

func newWarningCollection() *warningCollection {
	return &warningCollection{
		Type: "FeatureCollection",
		CRS: map[string]interface{}{
			"type":       "name",
			"properties": map[string]string{"name": "EPSG:4326"},
		},
		Features: []warningFeature{},
	}
}

// warningFileNames maps each return-period tier to its output file.
var warningFileNames = map[int]string{
	20: "return_20_points.geojson",
	10: "return_10_points.geojson",
	2:  "return_2_points.geojson",
}

// GenerateWarningPoints reduces an ensemble of canonical discharge
// files to warning points. For every reach and forecast day, the
// per-member daily peak flows are summarized as an ensemble mean and
// a standard-deviation upper bound (clamped at the ensemble maximum);
// each summary that exceeds a return-period threshold produces one
// point in the highest tier it exceeds. Points are written to
// return_{20,10,2}_points.geojson in outDir.
func GenerateWarningPoints(ctx context.Context, memberFiles []string, returnPeriodFile, outDir string, threshold float64) error {
	if len(memberFiles) == 0 {
		return fmt.Errorf("streamcast: no discharge files to generate warning points from")
	}
	rp, err := readReturnPeriods(returnPeriodFile)
	if err != nil {
		return err
	}
	peaks := make([]dailyPeaks, len(memberFiles))
	ids := make([][]int32, len(memberFiles))
	g, _ := errgroup.WithContext(ctx)
	for i, file := range memberFiles {
		i, file := i, file
		g.Go(func() error {
			var err error
			peaks[i], ids[i], err = memberDailyPeaks(file)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Column lookup per member for each reach identifier.
	cols := make([]map[int32]int, len(memberFiles))
	for m := range ids {
		cols[m] = make(map[int32]int, len(ids[m]))
		for i, id := range ids[m] {
			cols[m][id] = i
		}
	}
	dateSet := make(map[string]bool)
	for _, p := range peaks {
		for d := range p {
			dateSet[d] = true
		}
	}
	dates := make([]string, 0, len(dateSet))
	for d := range dateSet {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	out := map[int]*warningCollection{
		20: newWarningCollection(),
		10: newWarningCollection(),
		2:  newWarningCollection(),
	}
	var vals []float64
	for i, id := range rp.rivids {
		r2, r10, r20 := rp.thresholds(i, threshold, true)
		for _, date := range dates {
			vals = vals[:0]
			for m := range peaks {
				col, ok := cols[m][id]
				if !ok {
					continue
				}
				day, ok := peaks[m][date]
				if !ok {
					continue
				}
				if !math.IsInf(day[col], -1) {
					vals = append(vals, day[col])
				}
			}
			if len(vals) == 0 {
				continue
			}
			mean := stat.Mean(vals, nil)
			max := floats.Max(vals)
			stdUpper := mean + popStdDev(vals, mean)
			if stdUpper > max {
				stdUpper = max
			}
			for _, series := range []struct {
				value float64
				prop  string
				size  int
			}{
				{mean, "mean_peak", 1},
				{stdUpper, "std_upper_peak", 0},
			} {
				tier := selectTier(series.value, r2, r10, r20)
				if tier == 0 {
					continue
				}
				gj, err := geojson.ToGeoJSON(geom.Point{X: rp.lon[i], Y: rp.lat[i]})
				if err != nil {
					return fmt.Errorf("streamcast: encoding warning point geometry: %v", err)
				}
				out[tier].Features = append(out[tier].Features, warningFeature{
					Type:     "Feature",
					Geometry: gj,
					Properties: map[string]interface{}{
						series.prop: math.Round(series.value*100) / 100,
						"peak_date": date,
						"rivid":     id,
						"size":      series.size,
					},
				})
			}
		}
	}
	return writeWarningFiles(out, outDir)
}

// GenerateForecastWarningPoints is the single-forecast variant of
// GenerateWarningPoints, used for deterministic land-surface-model
// output: each reach-day daily peak produces at most one point,
// carried in a "peak" property. Threshold flooring applies only when
// threshold is positive.
func GenerateForecastWarningPoints(qoutFile, returnPeriodFile, outDir string, threshold float64) error {
	rp, err := readReturnPeriods(returnPeriodFile)
	if err != nil {
		return err
	}
	peaks, ids, err := memberDailyPeaks(qoutFile)
	if err != nil {
		return err
	}
	col := make(map[int32]int, len(ids))
	for i, id := range ids {
		col[id] = i
	}
	var dates []string
	for d := range peaks {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	out := map[int]*warningCollection{
		20: newWarningCollection(),
		10: newWarningCollection(),
		2:  newWarningCollection(),
	}
	for i, id := range rp.rivids {
		c, ok := col[id]
		if !ok {
			continue
		}
		r2, r10, r20 := rp.thresholds(i, threshold, threshold > 0)
		for _, date := range dates {
			day, ok := peaks[date]
			if !ok || math.IsInf(day[c], -1) {
				continue
			}
			tier := selectTier(day[c], r2, r10, r20)
			if tier == 0 {
				continue
			}
			gj, err := geojson.ToGeoJSON(geom.Point{X: rp.lon[i], Y: rp.lat[i]})
			if err != nil {
				return fmt.Errorf("streamcast: encoding warning point geometry: %v", err)
			}
			out[tier].Features = append(out[tier].Features, warningFeature{
				Type:     "Feature",
				Geometry: gj,
				Properties: map[string]interface{}{
					"peak":      math.Round(day[c]*100) / 100,
					"peak_date": date,
					"rivid":     id,
				},
			})
		}
	}
	return writeWarningFiles(out, outDir)
}

// popStdDev returns the population standard deviation of xs about
// mean.
func popStdDev(xs []float64, mean float64) float64 {
	var ss float64
	for _, v := range xs {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)))
}

// selectTier returns the highest return-period tier that v strictly
// exceeds, or 0 for none.
func selectTier(v, r2, r10, r20 float64) int {
	switch {
	case v > r20:
		return 20
	case v > r10:
		return 10
	case v > r2:
		return 2
	}
	return 0
}

func writeWarningFiles(out map[int]*warningCollection, outDir string) error {
	for tier, fc := range out {
		path := filepath.Join(outDir, warningFileNames[tier])
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("streamcast: creating warning point file: %v", err)
		}
		e := json.NewEncoder(f)
		if err := e.Encode(fc); err != nil {
			f.Close()
			return fmt.Errorf("streamcast: writing warning point file %s: %v", path, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("streamcast: closing warning point file %s: %v", path, err)
		}
	}
	return nil
}
