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
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/streamcast"
	"github.com/spatialmodel/streamcast/routing"
)

// LSMConfig configures a deterministic land-surface-model forecast
// run: a single uniform-cadence runoff grid routed once per region.
type LSMConfig struct {
	// IODir is the pipeline root, laid out as for the ensemble
	// controller.
	IODir string

	// LockFile is the pipeline lock path;
	// <IODir>/streamcast_lock.json if empty.
	LockFile string

	// GridFile is the runoff forecast grid. Its start time comes from
	// the time variable's units attribute.
	GridFile string

	// Driver runs the routing kernel.
	Driver *routing.Driver

	// InitFlows warm-starts routing from the prior initial-flow file
	// and writes one for the next cycle.
	InitFlows bool

	// WarningThreshold floors implausibly low return-period flows; no
	// flooring when zero.
	WarningThreshold float64

	Log *logrus.Logger
}

// RunLSM routes a deterministic land-surface-model runoff forecast
// through every region: one routing pass per region, warning points
// where return periods are published, and an initial-flow file for
// the cycle 12 hours later.
func RunLSM(ctx context.Context, c *LSMConfig) (err error) {
	log := c.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	lockFile := c.LockFile
	if lockFile == "" {
		lockFile = filepath.Join(c.IODir, "streamcast_lock.json")
	}

	g, err := streamcast.OpenGridForecast(c.GridFile)
	if err != nil {
		return err
	}
	start, err := g.StartTime()
	if err != nil {
		g.Close()
		return err
	}
	g.Close()
	if g.Class != streamcast.ClassUniform && g.Class != streamcast.ClassLowRes {
		return fmt.Errorf("forecast: %s is not a uniform-cadence grid", c.GridFile)
	}
	cycle := streamcast.Cycle{Time: start}

	watermark, err := streamcast.AcquireLock(lockFile)
	if err == streamcast.ErrLockHeld {
		log.Warn("another forecast process holds the lock; nothing to do")
		return nil
	}
	if err != nil {
		return err
	}
	defer func() {
		if lerr := streamcast.ReleaseLock(lockFile, watermark); lerr != nil && err == nil {
			err = lerr
		}
	}()

	regions, err := streamcast.Regions(c.IODir)
	if err != nil {
		return err
	}
	for _, region := range regions {
		if err := runLSMRegion(ctx, c, region, cycle, log); err != nil {
			return fmt.Errorf("forecast: region %s: %v", region.Name(), err)
		}
	}
	watermark = cycle
	return nil
}

func runLSMRegion(ctx context.Context, c *LSMConfig, region streamcast.Region, cycle streamcast.Cycle, log *logrus.Logger) error {
	inputDir := region.InputDir(c.IODir)
	outputDir := region.OutputDir(c.IODir, cycle)
	if err := os.MkdirAll(outputDir, os.ModePerm); err != nil {
		return fmt.Errorf("creating output directory: %v", err)
	}
	workDir, err := os.MkdirTemp("", "streamcast_lsm_")
	if err != nil {
		return fmt.Errorf("creating scratch directory: %v", err)
	}
	defer os.RemoveAll(workDir)

	rlog := log.WithField("region", region.Name())
	outPath, err := RunMember(ctx, &MemberConfig{
		Driver:    c.Driver,
		InputDir:  inputDir,
		GridFile:  c.GridFile,
		Cycle:     cycle,
		Region:    region,
		Member:    0,
		WorkDir:   workDir,
		OutputDir: outputDir,
		InitFlows: c.InitFlows,
		Log:       rlog,
	})
	if err != nil {
		return err
	}

	if rpFile, ferr := streamcast.FindFile(inputDir, "return_period*.nc"); ferr == nil && rpFile != "" {
		if err := streamcast.GenerateForecastWarningPoints(outPath, rpFile, outputDir, c.WarningThreshold); err != nil {
			rlog.WithError(err).Error("generating warning points")
		}
	}

	if c.InitFlows {
		if err := lsmNextQinit(outPath, inputDir, cycle); err != nil {
			return err
		}
	}
	return nil
}

// lsmNextQinit writes the initial-flow file for the cycle 12 hours
// after this one, sampled from the routed discharge at that time.
func lsmNextQinit(qoutFile, inputDir string, cycle streamcast.Cycle) error {
	rf, err := routing.DiscoverRegionFiles(inputDir)
	if err != nil {
		return err
	}
	network, err := streamcast.LoadNetwork(rf.ConnectFile)
	if err != nil {
		return err
	}
	q, err := streamcast.ReadQout(qoutFile)
	if err != nil {
		return err
	}
	if q.Rivids == nil || q.Times == nil {
		return fmt.Errorf("forecast: discharge file %s lacks rivid or time variables", qoutFile)
	}
	next := cycle.Next()
	target := int32(next.Time.UTC().Unix())
	idx := -1
	for i, ts := range q.Times {
		if ts == target {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("forecast: discharge file %s has no sample at %v", qoutFile, next.Time.UTC().Format(time.RFC3339))
	}
	byID := make(map[int32]float64, len(q.Rivids))
	for i, id := range q.Rivids {
		byID[id] = q.At(idx, i)
	}
	flows := make([]float64, len(network.Reaches))
	for i := range network.Reaches {
		flows[i] = byID[network.Reaches[i].ID]
	}
	return streamcast.WriteQinit(filepath.Join(inputDir, streamcast.QinitName(next)), flows)
}
