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

// Package forecast runs the operational forecast pipeline: the cycle
// controller that discovers new upstream runoff releases, dispatches
// one routing job per ensemble member and region, assimilates initial
// flows between cycles, and publishes warning points.
package forecast

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/streamcast"
	"github.com/spatialmodel/streamcast/dispatch"
	"github.com/spatialmodel/streamcast/routing"
)

// Config holds the controller configuration.
type Config struct {
	// IODir is the pipeline root; region inputs live in
	// <IODir>/input/<region> and routed output in
	// <IODir>/output/<region>/<cycle>.
	IODir string

	// LockFile is the pipeline lock path;
	// <IODir>/streamcast_lock.json if empty.
	LockFile string

	// ForecastDir locates upstream runoff releases: a local directory
	// or a bucket URL.
	ForecastDir string

	// Download fetches and extracts archived releases; otherwise
	// ForecastDir must hold extracted release directories.
	Download bool

	// RegionTag, when set, restricts processing to releases whose
	// names contain it.
	RegionTag string

	// HistoricalDir holds per-region seasonal-average or historical
	// discharge files used to synthesize initial flows when no prior
	// cycle exists.
	HistoricalDir string

	// SubprocessLogDir receives per-member routing kernel logs,
	// grouped by cycle.
	SubprocessLogDir string

	// InitFlows enables flow assimilation between cycles.
	InitFlows bool

	// GageCorrection adjusts prior initial flows with stream gage
	// observations before routing.
	GageCorrection bool

	// WarningThreshold floors implausibly low return-period flows
	// when generating warning points.
	WarningThreshold float64

	// PublishBucket, when set, receives an archive of each cycle's
	// output.
	PublishBucket string

	// DeleteOutput removes local cycle output after successful
	// publication.
	DeleteOutput bool

	// Dispatcher runs member jobs.
	Dispatcher dispatch.Dispatcher

	// Gages fetches stream gage observations.
	Gages *streamcast.GageClient

	Log *logrus.Logger
}

func (c *Config) lockFile() string {
	if c.LockFile != "" {
		return c.LockFile
	}
	return filepath.Join(c.IODir, "streamcast_lock.json")
}

func (c *Config) log() *logrus.Logger {
	if c.Log != nil {
		return c.Log
	}
	return logrus.StandardLogger()
}

// Run executes one controller pass: it processes, oldest first, every
// release newer than the stored watermark, advancing the watermark as
// each cycle completes. The pipeline lock is held for the duration
// and released on the way out even when a cycle fails; the watermark
// then still names the last fully processed cycle, so the failed
// cycle is retried on the next pass.
func Run(ctx context.Context, c *Config) (err error) {
	log := c.log()
	lock := c.lockFile()
	watermark, err := streamcast.AcquireLock(lock)
	if err == streamcast.ErrLockHeld {
		log.Warn("another forecast process holds the lock; nothing to do")
		return nil
	}
	if err != nil {
		return err
	}
	defer func() {
		if lerr := streamcast.ReleaseLock(lock, watermark); lerr != nil && err == nil {
			err = lerr
		}
	}()

	scratch := filepath.Join(c.IODir, "ecmwf")
	source, err := NewSource(ctx, c.ForecastDir, scratch, log)
	if err != nil {
		return err
	}
	cycles, err := pendingCycles(ctx, source, watermark, c.RegionTag)
	if err != nil {
		return err
	}
	if len(cycles) == 0 {
		log.WithField("watermark", watermark.Watermark()).Info("no new forecast cycles")
		return nil
	}
	regions, err := streamcast.Regions(c.IODir)
	if err != nil {
		return err
	}
	if len(regions) == 0 {
		return fmt.Errorf("forecast: no region directories under %s", filepath.Join(c.IODir, "input"))
	}

	for _, pc := range cycles {
		clog := log.WithField("cycle", pc.cycle.DirName())
		clog.Info("processing forecast cycle")
		if err := runCycle(ctx, c, pc, regions); err != nil {
			return fmt.Errorf("forecast: cycle %s: %v", pc.cycle.DirName(), err)
		}
		watermark = pc.cycle
		if err := streamcast.UpdateWatermark(lock, watermark); err != nil {
			return err
		}
		clog.Info("forecast cycle complete")
	}
	return nil
}

type pendingCycle struct {
	name  string
	cycle streamcast.Cycle
}

// pendingCycles lists the releases strictly newer than the watermark,
// oldest first.
func pendingCycles(ctx context.Context, source Source, watermark streamcast.Cycle, tag string) ([]pendingCycle, error) {
	names, err := source.List(ctx)
	if err != nil {
		return nil, err
	}
	var o []pendingCycle
	for _, name := range names {
		if tag != "" && !strings.Contains(name, tag) {
			continue
		}
		cycle, err := streamcast.ParseCycleFolder(name)
		if err != nil {
			continue
		}
		if cycle.After(watermark) {
			o = append(o, pendingCycle{name: name, cycle: cycle})
		}
	}
	return o, nil
}

func runCycle(ctx context.Context, c *Config, pc pendingCycle, regions []streamcast.Region) error {
	log := c.log()
	dir, err := fetchRelease(ctx, c, pc)
	if err != nil {
		return err
	}
	memberFiles, err := MemberFiles(dir)
	if err != nil {
		return err
	}
	if len(memberFiles) == 0 {
		return fmt.Errorf("release %s contains no member grid files", pc.name)
	}

	logDir := filepath.Join(c.SubprocessLogDir, pc.cycle.DirName())
	if err := os.MkdirAll(logDir, os.ModePerm); err != nil {
		return fmt.Errorf("creating kernel log directory: %v", err)
	}

	for _, region := range regions {
		rlog := log.WithFields(logrus.Fields{
			"cycle":  pc.cycle.DirName(),
			"region": region.Name(),
		})
		inputDir := region.InputDir(c.IODir)
		outputDir := region.OutputDir(c.IODir, pc.cycle)
		if err := os.MkdirAll(outputDir, os.ModePerm); err != nil {
			return fmt.Errorf("creating output directory: %v", err)
		}

		if c.InitFlows {
			if err := prepareInitialFlows(ctx, c, region, pc.cycle, rlog); err != nil {
				return err
			}
		}

		var handles []dispatch.Handle
		for _, gridFile := range memberFiles {
			member, err := streamcast.EnsembleNumber(gridFile)
			if err != nil {
				return err
			}
			job := dispatch.Job{
				Cycle:    pc.cycle.DirName(),
				Region:   region.Name(),
				Member:   member,
				GridFile: gridFile,
				LogFile:  filepath.Join(logDir, streamcast.JobLogName(pc.cycle, region, member)),
			}
			h, err := c.Dispatcher.Submit(ctx, job)
			if err != nil {
				return err
			}
			handles = append(handles, h)
		}
		// A failed member is logged and skipped; the cycle carries on
		// with the surviving members unless none survive.
		outcomes := dispatch.AwaitAll(ctx, handles)
		failed := 0
		for _, o := range outcomes {
			if o.Err != nil {
				failed++
				rlog.WithError(o.Err).WithField("member", o.Job.Member).
					Error("member job failed; continuing without it")
			}
		}
		if failed == len(outcomes) {
			return fmt.Errorf("all %d member jobs failed", failed)
		}
		rlog.WithFields(logrus.Fields{
			"members": len(outcomes) - failed,
			"failed":  failed,
		}).Info("members routed")

		if err := finishRegion(ctx, c, region, pc.cycle, inputDir, outputDir, rlog); err != nil {
			return err
		}
	}
	return nil
}

func fetchRelease(ctx context.Context, c *Config, pc pendingCycle) (string, error) {
	if c.Download {
		return c.source(ctx, pc)
	}
	// Releases are already extracted alongside the forecast
	// directory.
	if src, ok := sourceIsDir(c.ForecastDir); ok {
		return filepath.Join(src, pc.name), nil
	}
	return c.source(ctx, pc)
}

func (c *Config) source(ctx context.Context, pc pendingCycle) (string, error) {
	source, err := NewSource(ctx, c.ForecastDir, filepath.Join(c.IODir, "ecmwf"), c.log())
	if err != nil {
		return "", err
	}
	return source.Fetch(ctx, pc.name)
}

func sourceIsDir(location string) (string, bool) {
	if info, err := os.Stat(location); err == nil && info.IsDir() {
		return location, true
	}
	return "", false
}

// prepareInitialFlows makes sure the prior cycle's initial-flow file
// exists before routing: if it is missing and a historical record is
// available, one is synthesized from seasonal averages; if gage
// correction is enabled, the file is then adjusted with observations.
// Assimilation failures degrade to a cold start rather than blocking
// the cycle.
func prepareInitialFlows(ctx context.Context, c *Config, region streamcast.Region, cycle streamcast.Cycle, log logrus.FieldLogger) error {
	inputDir := region.InputDir(c.IODir)
	prior := filepath.Join(inputDir, streamcast.QinitName(cycle.Prev()))
	if _, err := os.Stat(prior); os.IsNotExist(err) && c.HistoricalDir != "" {
		if err := seasonalInitialFlows(c, region, cycle, prior); err != nil {
			log.WithError(err).Warn("synthesizing seasonal initial flows")
		}
	}
	if _, err := os.Stat(prior); err != nil {
		return nil // cold start
	}
	if !c.GageCorrection || c.Gages == nil {
		return nil
	}
	rf, err := routing.DiscoverRegionFiles(inputDir)
	if err != nil || rf.GageFile == "" {
		return nil
	}
	if err := streamcast.UpdateInitialFlows(ctx, c.Gages, rf.ConnectFile, rf.GageFile, prior, cycle.Time); err != nil {
		log.WithError(err).Warn("correcting initial flows with gage observations")
	}
	return nil
}

func seasonalInitialFlows(c *Config, region streamcast.Region, cycle streamcast.Cycle, outPath string) error {
	histDir := filepath.Join(c.HistoricalDir, region.Name())
	rf, err := routing.DiscoverRegionFiles(region.InputDir(c.IODir))
	if err != nil {
		return err
	}
	network, err := streamcast.LoadNetwork(rf.ConnectFile)
	if err != nil {
		return err
	}
	if file, err := streamcast.FindFile(histDir, "seasonal_average*.nc"); err == nil && file != "" {
		return streamcast.SeasonalQinit(file, network, cycle.Prev().Time, outPath)
	}
	if file, err := streamcast.FindFile(histDir, "qout*.nc"); err == nil && file != "" {
		return streamcast.HistoricalQinit(file, network, cycle.Prev().Time, outPath)
	}
	return fmt.Errorf("forecast: no seasonal or historical discharge file in %s", histDir)
}

// finishRegion runs the post-routing steps for one region and cycle:
// warning point generation when return periods are published,
// ensemble-mean initial flows for the next cycle, and output
// publication. Warning and publication failures are logged but do not
// fail the cycle; a failed initial-flow build does, since the next
// cycle would silently cold start.
func finishRegion(ctx context.Context, c *Config, region streamcast.Region, cycle streamcast.Cycle, inputDir, outputDir string, log logrus.FieldLogger) error {
	qouts, err := memberQouts(outputDir)
	if err != nil {
		return err
	}
	if len(qouts) == 0 {
		return fmt.Errorf("no routed discharge files in %s", outputDir)
	}

	rpFile, err := streamcast.FindFile(inputDir, "return_period*.nc")
	if err == nil && rpFile != "" {
		threshold := c.WarningThreshold
		if threshold <= 0 {
			threshold = streamcast.DefaultWarningThreshold
		}
		if err := streamcast.GenerateWarningPoints(ctx, qouts, rpFile, outputDir, threshold); err != nil {
			log.WithError(err).Error("generating warning points")
		} else {
			log.Info("warning points generated")
		}
	}

	if c.InitFlows {
		network, err := loadRegionNetwork(inputDir)
		if err != nil {
			return err
		}
		next := filepath.Join(inputDir, streamcast.QinitName(cycle))
		if err := streamcast.EnsembleQinit(qouts, network, next); err != nil {
			return err
		}
		log.WithField("file", filepath.Base(next)).Info("ensemble initial flows written")
	}

	if c.PublishBucket != "" {
		if err := Publish(ctx, c.PublishBucket, region, cycle, outputDir); err != nil {
			log.WithError(err).Error("publishing cycle output")
		} else if c.DeleteOutput {
			if err := os.RemoveAll(outputDir); err != nil {
				log.WithError(err).Error("removing published output")
			}
		}
	}
	return nil
}

func memberQouts(outputDir string) ([]string, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return nil, fmt.Errorf("forecast: listing %s: %v", outputDir, err)
	}
	var o []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "Qout_") && strings.HasSuffix(e.Name(), ".nc") {
			o = append(o, filepath.Join(outputDir, e.Name()))
		}
	}
	return o, nil
}

func loadRegionNetwork(inputDir string) (*streamcast.Network, error) {
	rf, err := routing.DiscoverRegionFiles(inputDir)
	if err != nil {
		return nil, err
	}
	return streamcast.LoadNetwork(rf.ConnectFile)
}

// CleanLogs removes aged pipeline logs; see streamcast.CleanLogs.
func CleanLogs(c *Config, mainLogDir, currentLog string) {
	streamcast.CleanLogs(c.SubprocessLogDir, mainLogDir, currentLog, time.Now().UTC())
}
