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
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ctessum/cdf"
)

// QinitName returns the initial-flow file name for the given cycle,
// e.g. "Qinit_20200101t12.csv".
func QinitName(c Cycle) string { return "Qinit_" + c.Stamp() + ".csv" }

// WriteQinit writes an initial-flow file: one flow per line, in
// connectivity row order. The file is written to a temporary name and
// renamed into place so that a concurrently starting routing run
// never observes a partial file.
func WriteQinit(path string, flows []float64) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("streamcast: creating initial-flow file: %v", err)
	}
	w := bufio.NewWriter(f)
	for _, v := range flows {
		if _, err := fmt.Fprintln(w, strconv.FormatFloat(v, 'f', -1, 64)); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("streamcast: writing initial-flow file %s: %v", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("streamcast: writing initial-flow file %s: %v", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("streamcast: closing initial-flow file %s: %v", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("streamcast: renaming initial-flow file into place: %v", err)
	}
	return nil
}

// ReadQinit reads an initial-flow file written by WriteQinit.
func ReadQinit(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("streamcast: opening initial-flow file: %v", err)
	}
	defer f.Close()
	var flows []float64
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		// Tolerate comma-separated rows; the flow is the first field.
		if i := strings.Index(line, ","); i >= 0 {
			line = line[:i]
		}
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return nil, fmt.Errorf("streamcast: initial-flow file %s: parsing %q: %v", path, line, err)
		}
		flows = append(flows, v)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("streamcast: reading initial-flow file %s: %v", path, err)
	}
	return flows, nil
}

// QinitFromQout extracts initial flows from raw routed segment output
// for use by the next cadence segment: the final time step of each
// reach, reordered from routing output order to connectivity row
// order. Reaches absent from the routed basin get zero.
func QinitFromQout(q *Qout, rivids []int32, n *Network) ([]float64, error) {
	if q.NumReaches() != len(rivids) {
		return nil, fmt.Errorf("streamcast: %d routed reaches with %d identifiers", q.NumReaches(), len(rivids))
	}
	last := q.Step(-1)
	byID := make(map[int32]float64, len(rivids))
	for i, id := range rivids {
		byID[id] = last[i]
	}
	flows := make([]float64, len(n.Reaches))
	for i := range n.Reaches {
		flows[i] = byID[n.Reaches[i].ID]
	}
	return flows, nil
}

// sampleIndex returns the time index at which a member's discharge is
// sampled when building an ensemble-mean initial-flow file. Files
// without a valid time axis are raw segment output and sample index
// 1; canonical files sample roughly 12 hours of lead time, whose
// index depends on the member's cadence structure.
func sampleIndex(member int, q *Qout) int {
	if q.Times == nil {
		return 1
	}
	if member == highResMember && q.NTime == 125 {
		return 12
	}
	// 85-step files are 3-hourly; 12 hours of lead time is index 4
	// there and index 2 on the 6-hourly grids.
	if q.NTime == 85 {
		return 4
	}
	return 2
}

// highResMember is the ensemble index of the high-resolution member.
const highResMember = 52

// EnsembleQinit builds an initial-flow file at outPath from the
// ensemble of routed member discharge files: each member is sampled
// at a fixed lead time and the samples are averaged across all
// members. A member file that cannot be read contributes zeros to the
// average rather than failing the build. Reaches absent from a
// member's routed basin also contribute zeros.
func EnsembleQinit(memberFiles []string, n *Network, outPath string) error {
	if len(memberFiles) == 0 {
		return fmt.Errorf("streamcast: no member discharge files to average")
	}
	nr := len(n.Reaches)
	cols := make([][]float64, len(memberFiles))
	var wg sync.WaitGroup
	for fi, file := range memberFiles {
		wg.Add(1)
		go func(fi int, file string) {
			defer wg.Done()
			flows, err := memberSample(file, n)
			if err != nil {
				log.Printf("streamcast: sampling %s for ensemble initialization: %v", filepath.Base(file), err)
				return
			}
			cols[fi] = flows
		}(fi, file)
	}
	wg.Wait()

	mean := make([]float64, nr)
	for _, col := range cols {
		for i, v := range col {
			mean[i] += v
		}
	}
	for i := range mean {
		mean[i] /= float64(len(memberFiles))
	}
	return WriteQinit(outPath, mean)
}

func memberSample(file string, n *Network) ([]float64, error) {
	member, err := EnsembleNumber(file)
	if err != nil {
		return nil, err
	}
	q, err := ReadQout(file)
	if err != nil {
		return nil, err
	}
	if q.Rivids == nil {
		return nil, fmt.Errorf("streamcast: discharge file %s has no rivid variable", file)
	}
	idx := sampleIndex(member, q)
	if idx >= q.NTime {
		return nil, fmt.Errorf("streamcast: discharge file %s has %d time steps; cannot sample index %d",
			file, q.NTime, idx)
	}
	byID := make(map[int32]float64, len(q.Rivids))
	for i, id := range q.Rivids {
		byID[id] = q.At(idx, i)
	}
	flows := make([]float64, len(n.Reaches))
	for i := range n.Reaches {
		flows[i] = byID[n.Reaches[i].ID]
	}
	return flows, nil
}

// seasonalVars are the variable names accepted in a seasonal-average
// streamflow file, dimensioned (rivid, day_of_year).
var seasonalVars = []string{"average_flow", "seasonal_average"}

// climatologyDay returns the day-of-year column index for date in a
// 365-column climatology. In leap years, dates after February 29
// shift back one column so that the calendar stays aligned with the
// non-leap-year columns.
func climatologyDay(date time.Time) int {
	yday := date.YearDay() - 1
	if isLeap(date.Year()) && yday > 59 {
		yday--
	}
	return yday
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// SeasonalQinit builds an initial-flow file at outPath from a
// seasonal-average streamflow file, sampling the day-of-year column
// matching date. Reaches absent from the seasonal file get zero.
func SeasonalQinit(seasonalFile string, n *Network, date time.Time, outPath string) error {
	f, err := os.Open(seasonalFile)
	if err != nil {
		return fmt.Errorf("streamcast: opening seasonal streamflow file: %v", err)
	}
	defer f.Close()
	cf, err := cdf.Open(f)
	if err != nil {
		return fmt.Errorf("streamcast: reading seasonal streamflow file %s: %v", seasonalFile, err)
	}
	var flowVar string
	for _, v := range seasonalVars {
		if hasVariable(cf, v) {
			flowVar = v
			break
		}
	}
	if flowVar == "" {
		return fmt.Errorf("streamcast: seasonal streamflow file %s has none of %v", seasonalFile, seasonalVars)
	}
	lengths := cf.Header.Lengths(flowVar)
	if len(lengths) != 2 {
		return fmt.Errorf("streamcast: seasonal streamflow file %s: %s has %d dimensions; expected 2",
			seasonalFile, flowVar, len(lengths))
	}
	nRiv, nDay := lengths[0], lengths[1]
	yday := climatologyDay(date)
	if yday >= nDay {
		return fmt.Errorf("streamcast: seasonal streamflow file %s has %d day columns; need day %d",
			seasonalFile, nDay, yday)
	}
	rivids, err := readInt32s(cf, "rivid", nil, nil)
	if err != nil {
		return fmt.Errorf("streamcast: seasonal streamflow file %s: %v", seasonalFile, err)
	}
	if len(rivids) != nRiv {
		return fmt.Errorf("streamcast: seasonal streamflow file %s: %d reach identifiers for %d rows",
			seasonalFile, len(rivids), nRiv)
	}
	byID := make(map[int32]float64, nRiv)
	for i := 0; i < nRiv; i++ {
		row, err := readFloat64s(cf, flowVar, []int{i, yday}, []int{i, yday})
		if err != nil {
			return fmt.Errorf("streamcast: seasonal streamflow file %s: %v", seasonalFile, err)
		}
		byID[rivids[i]] = row[0]
	}
	flows := make([]float64, len(n.Reaches))
	for i := range n.Reaches {
		flows[i] = byID[n.Reaches[i].ID]
	}
	return WriteQinit(outPath, flows)
}

// HistoricalQinit builds an initial-flow file at outPath from a
// multi-year canonical discharge record, averaging all time steps
// whose UTC day of year matches date's climatology day.
func HistoricalQinit(qoutFile string, n *Network, date time.Time, outPath string) error {
	q, err := ReadQout(qoutFile)
	if err != nil {
		return err
	}
	if q.Rivids == nil || q.Times == nil {
		return fmt.Errorf("streamcast: historical discharge file %s lacks rivid or time variables", qoutFile)
	}
	target := climatologyDay(date)
	sum := make([]float64, q.NumReaches())
	count := 0
	for t, ts := range q.Times {
		tt := time.Unix(int64(ts), 0).UTC()
		if climatologyDay(tt) != target {
			continue
		}
		for i := range sum {
			sum[i] += q.At(t, i)
		}
		count++
	}
	if count == 0 {
		return fmt.Errorf("streamcast: historical discharge file %s has no samples for day %d", qoutFile, target)
	}
	byID := make(map[int32]float64, len(q.Rivids))
	for i, id := range q.Rivids {
		byID[id] = sum[i] / float64(count)
	}
	flows := make([]float64, len(n.Reaches))
	for i := range n.Reaches {
		flows[i] = byID[n.Reaches[i].ID]
	}
	return WriteQinit(outPath, flows)
}
