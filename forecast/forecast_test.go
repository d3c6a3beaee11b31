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
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/streamcast"
	"github.com/spatialmodel/streamcast/dispatch"
)

func TestPendingCycles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"Runoff.20200101.0.exp",
		"Runoff.20200101.12.exp",
		"Runoff.20200102.0.other",
		"Runoff.notadate.0.exp",
		"README",
	} {
		if err := os.MkdirAll(filepath.Join(dir, name), 0755); err != nil {
			t.Fatal(err)
		}
	}
	source := &DirSource{Dir: dir}
	watermark := streamcast.Cycle{Time: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}

	got, err := pendingCycles(context.Background(), source, watermark, "")
	if err != nil {
		t.Fatal(err)
	}
	// Cycles at or before the watermark are skipped, unparsable names
	// are ignored, and the rest come back oldest first.
	if len(got) != 2 {
		t.Fatalf("%d pending cycles; want 2", len(got))
	}
	if got[0].name != "Runoff.20200101.12.exp" || got[1].name != "Runoff.20200102.0.other" {
		t.Errorf("pending cycles %v, %v", got[0].name, got[1].name)
	}

	got, err = pendingCycles(context.Background(), source, watermark, "exp")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].name != "Runoff.20200101.12.exp" {
		t.Errorf("tag-filtered cycles %v", got)
	}
}

func TestRun_lockHeld(t *testing.T) {
	dir := t.TempDir()
	lock := filepath.Join(dir, "streamcast_lock.json")
	held := `{"running":true,"last_forecast_date":"2020010100"}`
	if err := os.WriteFile(lock, []byte(held), 0644); err != nil {
		t.Fatal(err)
	}

	log := logrus.New()
	log.SetOutput(io.Discard)
	err := Run(context.Background(), &Config{
		IODir:       dir,
		ForecastDir: filepath.Join(dir, "does-not-matter"),
		Log:         log,
	})
	// A held lock means another process is mid-run; this pass is a
	// no-op, not a failure.
	if err != nil {
		t.Fatalf("Run with held lock: %v", err)
	}
	b, err := os.ReadFile(lock)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != held {
		t.Errorf("lock file rewritten to %s", b)
	}
}

// stubDispatcher pretends to route members by writing a placeholder
// discharge file into the job's output directory; jobs matched by fail
// report an error instead.
type stubDispatcher struct {
	ioDir     string
	fail      func(job dispatch.Job) bool
	submitted []dispatch.Job
}

type stubHandle struct{ o dispatch.Outcome }

func (h stubHandle) Wait(ctx context.Context) dispatch.Outcome { return h.o }

func (d *stubDispatcher) Submit(ctx context.Context, job dispatch.Job) (dispatch.Handle, error) {
	d.submitted = append(d.submitted, job)
	o := dispatch.Outcome{Job: job}
	if d.fail != nil && d.fail(job) {
		o.Err = fmt.Errorf("member %d failed", job.Member)
		return stubHandle{o}, nil
	}
	outDir := filepath.Join(d.ioDir, "output", job.Region, job.Cycle)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, err
	}
	// The controller only lists the routed files in this configuration,
	// so a placeholder is enough.
	name := fmt.Sprintf("Qout_tx_gulf_%d.nc", job.Member)
	if err := os.WriteFile(filepath.Join(outDir, name), []byte("qout"), 0644); err != nil {
		return nil, err
	}
	return stubHandle{o}, nil
}

// writeReleases creates extracted release directories, each holding
// the named member grid files as placeholders.
func writeReleases(t *testing.T, forecastDir string, releases []string, members []string) {
	t.Helper()
	for _, rel := range releases {
		relDir := filepath.Join(forecastDir, rel)
		if err := os.MkdirAll(relDir, 0755); err != nil {
			t.Fatal(err)
		}
		for _, m := range members {
			if err := os.WriteFile(filepath.Join(relDir, m), []byte("x"), 0644); err != nil {
				t.Fatal(err)
			}
		}
	}
}

func TestRun(t *testing.T) {
	ioDir := t.TempDir()
	inputDir := filepath.Join(ioDir, "input", "tx-gulf")
	setupRegionInput(t, inputDir)

	// Two extracted releases, each with one member grid file. The grid
	// contents never get read because the dispatcher is stubbed.
	forecastDir := filepath.Join(ioDir, "forecasts")
	writeReleases(t, forecastDir,
		[]string{"Runoff.20200101.0.exp", "Runoff.20200101.12.exp"},
		[]string{"1.Runoff.nc"})

	log := logrus.New()
	log.SetOutput(io.Discard)
	d := &stubDispatcher{ioDir: ioDir}
	cfg := &Config{
		IODir:            ioDir,
		ForecastDir:      forecastDir,
		SubprocessLogDir: filepath.Join(ioDir, "logs"),
		Dispatcher:       d,
		Log:              log,
	}
	if err := Run(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	if len(d.submitted) != 2 {
		t.Fatalf("%d jobs submitted; want one per cycle", len(d.submitted))
	}
	if d.submitted[0].Cycle != "20200101.0" || d.submitted[1].Cycle != "20200101.12" {
		t.Errorf("cycles processed out of order: %v, %v", d.submitted[0].Cycle, d.submitted[1].Cycle)
	}
	w, err := streamcast.ReadLockInfo(cfg.lockFile())
	if err != nil {
		t.Fatal(err)
	}
	if w.Running {
		t.Error("lock still marked running after Run returned")
	}
	if w.LastForecastDate != "2020010112" {
		t.Errorf("watermark %q; want 2020010112", w.LastForecastDate)
	}

	// A second pass finds nothing newer than the watermark.
	d.submitted = nil
	if err := Run(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	if len(d.submitted) != 0 {
		t.Errorf("%d jobs submitted on an up-to-date pass; want 0", len(d.submitted))
	}
}

func TestRun_failedMemberSkipped(t *testing.T) {
	ioDir := t.TempDir()
	setupRegionInput(t, filepath.Join(ioDir, "input", "tx-gulf"))
	forecastDir := filepath.Join(ioDir, "forecasts")
	writeReleases(t, forecastDir,
		[]string{"Runoff.20200101.0.exp", "Runoff.20200101.12.exp"},
		[]string{"1.Runoff.nc", "2.Runoff.nc"})

	log := logrus.New()
	log.SetOutput(io.Discard)
	cfg := &Config{
		IODir:            ioDir,
		ForecastDir:      forecastDir,
		SubprocessLogDir: filepath.Join(ioDir, "logs"),
		Dispatcher: &stubDispatcher{
			ioDir: ioDir,
			fail:  func(job dispatch.Job) bool { return job.Member == 2 },
		},
		Log: log,
	}
	// One member of each cycle fails, but the cycles complete with the
	// survivors and the watermark advances past both.
	if err := Run(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	w, err := streamcast.ReadLockInfo(cfg.lockFile())
	if err != nil {
		t.Fatal(err)
	}
	if w.LastForecastDate != "2020010112" {
		t.Errorf("watermark %q; want 2020010112", w.LastForecastDate)
	}
	for _, cycle := range []string{"20200101.0", "20200101.12"} {
		outDir := filepath.Join(ioDir, "output", "tx-gulf", cycle)
		if _, err := os.Stat(filepath.Join(outDir, "Qout_tx_gulf_1.nc")); err != nil {
			t.Errorf("cycle %s: surviving member output missing: %v", cycle, err)
		}
		if _, err := os.Stat(filepath.Join(outDir, "Qout_tx_gulf_2.nc")); !os.IsNotExist(err) {
			t.Errorf("cycle %s: failed member left output behind", cycle)
		}
	}
}

func TestRun_allMembersFailedKeepsWatermark(t *testing.T) {
	ioDir := t.TempDir()
	setupRegionInput(t, filepath.Join(ioDir, "input", "tx-gulf"))
	forecastDir := filepath.Join(ioDir, "forecasts")
	writeReleases(t, forecastDir,
		[]string{"Runoff.20200101.0.exp", "Runoff.20200101.12.exp"},
		[]string{"1.Runoff.nc", "2.Runoff.nc"})

	log := logrus.New()
	log.SetOutput(io.Discard)
	cfg := &Config{
		IODir:            ioDir,
		ForecastDir:      forecastDir,
		SubprocessLogDir: filepath.Join(ioDir, "logs"),
		Dispatcher: &stubDispatcher{
			ioDir: ioDir,
			fail:  func(job dispatch.Job) bool { return job.Cycle == "20200101.12" },
		},
		Log: log,
	}
	err := Run(context.Background(), cfg)
	if err == nil {
		t.Fatal("expected a cycle with no surviving members to surface as an error")
	}

	// The first cycle completed, so the watermark advanced to it; the
	// dead cycle will be retried next pass. The lock is released either
	// way.
	w, rerr := streamcast.ReadLockInfo(cfg.lockFile())
	if rerr != nil {
		t.Fatal(rerr)
	}
	if w.Running {
		t.Error("lock still marked running after a failed run")
	}
	if w.LastForecastDate != "2020010100" {
		t.Errorf("watermark %q; want 2020010100", w.LastForecastDate)
	}
}
