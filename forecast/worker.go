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

package forecast

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/streamcast"
	"github.com/spatialmodel/streamcast/routing"
)

// A MemberConfig holds everything needed to route one ensemble
// member.
type MemberConfig struct {
	// Driver runs the routing kernel.
	Driver *routing.Driver

	// InputDir holds the region's static routing inputs.
	InputDir string

	// GridFile is the member's gridded runoff forecast.
	GridFile string

	Cycle  streamcast.Cycle
	Region streamcast.Region
	Member int

	// WorkDir is a private scratch directory for inflow files, raw
	// segment output, and intermediate initial-flow files.
	WorkDir string

	// OutputDir receives the final canonical discharge file.
	OutputDir string

	// InitFlows warm-starts the first segment from the prior cycle's
	// initial-flow file when it exists.
	InitFlows bool

	// KernelLog receives routing kernel output; discarded if nil.
	KernelLog io.Writer

	Log logrus.FieldLogger
}

// A segment is one cadence piece of a member's routing chain.
type segment struct {
	interval streamcast.TimeInterval
	step     time.Duration
	horizon  time.Duration
}

// segmentChain returns the routing chain for a grid class. Each
// segment is routed separately, warm-started from the final flows of
// the one before it, and the raw outputs are concatenated afterwards.
func segmentChain(class streamcast.GridClass, nTime int, stepHours float64) ([]segment, error) {
	hour := time.Hour
	switch class {
	case streamcast.ClassHighRes:
		return []segment{
			{streamcast.Interval1hr, 1 * hour, 90 * hour},
			{streamcast.Interval3hrSubset, 3 * hour, 54 * hour},
			{streamcast.Interval6hrSubset, 6 * hour, 96 * hour},
		}, nil
	case streamcast.ClassLowResFull:
		return []segment{
			{streamcast.Interval3hrSubset, 3 * hour, 144 * hour},
			{streamcast.Interval6hrSubset, 6 * hour, 216 * hour},
		}, nil
	case streamcast.ClassLowRes:
		return []segment{
			{streamcast.IntervalDefault, 6 * hour, 360 * hour},
		}, nil
	case streamcast.ClassUniform:
		step := time.Duration(stepHours * float64(hour))
		return []segment{
			{streamcast.IntervalDefault, step, time.Duration(nTime-1) * step},
		}, nil
	}
	return nil, fmt.Errorf("forecast: cannot route %s grid", class)
}

// QoutName returns the canonical discharge file name for one member.
func QoutName(r streamcast.Region, member int) string {
	return fmt.Sprintf("Qout_%s_%s_%d.nc", r.Watershed, r.Subbasin, member)
}

// RunMember routes one ensemble member: it builds a lateral inflow
// file for each cadence segment of the member's grid, routes the
// segments in order with the kernel warm-started between them, merges
// the raw segment output into a canonical discharge file, and moves
// it to the output directory. It returns the final discharge file
// path.
func RunMember(ctx context.Context, c *MemberConfig) (outPath string, err error) {
	logw := c.KernelLog
	if logw == nil {
		logw = io.Discard
	}
	log := c.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	g, err := streamcast.OpenGridForecast(c.GridFile)
	if err != nil {
		return "", err
	}
	defer g.Close()
	log.WithFields(logrus.Fields{
		"member": c.Member,
		"class":  g.Class.String(),
	}).Info("routing ensemble member")

	rf, err := routing.DiscoverRegionFiles(c.InputDir)
	if err != nil {
		return "", err
	}
	weightFile, err := routing.WeightFile(c.InputDir, g.Class.GridTag())
	if err != nil {
		return "", err
	}
	wt, err := streamcast.ReadWeightTable(weightFile)
	if err != nil {
		return "", err
	}
	network, err := streamcast.LoadNetwork(rf.ConnectFile)
	if err != nil {
		return "", err
	}
	basinIDs, err := streamcast.LoadBasinIDs(rf.BasinIDFile)
	if err != nil {
		return "", err
	}
	params := &routing.Params{
		ConnectFile:     rf.ConnectFile,
		BasinIDFile:     rf.BasinIDFile,
		KFile:           rf.KFile,
		XFile:           rf.XFile,
		NumReaches:      len(network.Reaches),
		NumBasinReaches: len(basinIDs),
		MaxUpstream:     network.MaxUpstream(),
	}
	if rf.ForcingEnabled() {
		params.ForcingFile = rf.ForcingFile
		params.ForcingTotalFile = rf.ForcingTotalFile
		params.ForcingUseFile = rf.ForcingUseFile
		if params.NumForcingTotal, err = routing.RowCount(rf.ForcingTotalFile); err != nil {
			return "", err
		}
		if params.NumForcingUse, err = routing.RowCount(rf.ForcingUseFile); err != nil {
			return "", err
		}
	}

	qinitFile := ""
	if c.InitFlows {
		prior := filepath.Join(c.InputDir, streamcast.QinitName(c.Cycle.Prev()))
		if _, err := os.Stat(prior); err == nil {
			qinitFile = prior
		} else {
			log.WithField("member", c.Member).Warnf("no initial-flow file %s; cold starting", prior)
		}
	}

	segments, err := segmentChain(g.Class, len(g.TimeHours), g.StepHours)
	if err != nil {
		return "", err
	}
	factor := streamcast.ConversionFactor(g.Class.GridTag())
	var segQouts []string
	var segSteps []time.Duration
	for i, seg := range segments {
		inflow := filepath.Join(c.WorkDir, fmt.Sprintf("m3_riv_bas_%d_seg%d.nc", c.Member, i))
		if err := streamcast.BuildInflow(g, wt, factor, seg.interval, inflow); err != nil {
			return "", err
		}
		rawQout := filepath.Join(c.WorkDir, fmt.Sprintf("Qout_raw_seg%d.nc", i))
		p := *params
		p.InflowFile = inflow
		p.QoutFile = rawQout
		p.QinitFile = qinitFile
		p.RunoffStep = seg.step
		p.Horizon = seg.horizon
		if err := c.Driver.Route(ctx, c.WorkDir, &p, logw); err != nil {
			return "", err
		}
		segQouts = append(segQouts, rawQout)
		segSteps = append(segSteps, seg.step)

		if i < len(segments)-1 {
			q, err := streamcast.ReadQout(rawQout)
			if err != nil {
				return "", err
			}
			flows, err := streamcast.QinitFromQout(q, basinIDs, network)
			if err != nil {
				return "", err
			}
			qinitFile = filepath.Join(c.WorkDir, fmt.Sprintf("qinit_seg%d.csv", i))
			if err := streamcast.WriteQinit(qinitFile, flows); err != nil {
				return "", err
			}
		}
	}

	var geo map[int32]streamcast.GeoPoint
	if rf.GeoFile != "" {
		if geo, err = streamcast.LoadGeoreference(rf.GeoFile); err != nil {
			return "", err
		}
	}
	merged := filepath.Join(c.WorkDir, QoutName(c.Region, c.Member))
	if err := streamcast.MergeQouts(segQouts, segSteps, c.Cycle.Time, basinIDs, geo, merged); err != nil {
		return "", err
	}
	if err := os.MkdirAll(c.OutputDir, os.ModePerm); err != nil {
		return "", fmt.Errorf("forecast: creating output directory: %v", err)
	}
	outPath = filepath.Join(c.OutputDir, QoutName(c.Region, c.Member))
	if err := moveFile(merged, outPath); err != nil {
		return "", err
	}
	return outPath, nil
}

// moveFile renames src to dst, copying when they are on different
// file systems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("forecast: moving %s: %v", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("forecast: moving %s: %v", src, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("forecast: moving %s to %s: %v", src, dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("forecast: moving %s to %s: %v", src, dst, err)
	}
	return os.Remove(src)
}
