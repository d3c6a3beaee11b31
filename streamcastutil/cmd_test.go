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

package streamcastutil

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/ctessum/cdf"
	"github.com/spatialmodel/streamcast"
	"github.com/spatialmodel/streamcast/dispatch"
)

func TestOptionDefaults(t *testing.T) {
	defaults := map[string]interface{}{
		"kernel":            "rapid",
		"io_dir":            ".",
		"backend":           "local",
		"namespace":         "streamcast-distributed",
		"image":             "streamcast/streamcast:latest",
		"download":          false,
		"init_flows":        false,
		"job_cores":         0,
		"warning_threshold": float64(10),
	}
	for name, want := range defaults {
		if got := Cfg.Get(name); !reflect.DeepEqual(got, want) {
			t.Errorf("option %s defaults to %v (%T); want %v (%T)", name, got, got, want, want)
		}
	}
	// Every declared option is bound to the configuration.
	for _, option := range options {
		if Cfg.Get(option.name) == nil {
			t.Errorf("option %s is not bound", option.name)
		}
	}
}

func TestSubcommands(t *testing.T) {
	want := map[string]bool{
		"ecmwf": false, "lsm": false, "member": false, "unlock": false, "version": false,
	}
	for _, cmd := range Root.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %s is not registered", name)
		}
	}
}

func TestVersionCmd(t *testing.T) {
	var buf bytes.Buffer
	Root.SetOut(&buf)
	Root.SetArgs([]string{"version"})
	if err := Root.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "StreamCast v") {
		t.Errorf("version output %q", buf.String())
	}
}

func TestSetConfig(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "streamcast.yaml")
	if err := os.WriteFile(cfgFile, []byte("region_tag: exp\n"), 0644); err != nil {
		t.Fatal(err)
	}
	Cfg.Set("config", cfgFile)
	defer Cfg.Set("config", "")
	if err := setConfig(); err != nil {
		t.Fatal(err)
	}
	if got := Cfg.GetString("region_tag"); got != "exp" {
		t.Errorf("region_tag = %q; want exp", got)
	}

	Cfg.Set("config", filepath.Join(dir, "missing.yaml"))
	if err := setConfig(); err == nil {
		t.Error("expected error for a missing configuration file")
	}
}

func TestMemberJobArgs(t *testing.T) {
	Cfg.Set("io_dir", "/data/io")
	Cfg.Set("kernel", "/usr/local/bin/rapid")
	Cfg.Set("init_flows", true)
	defer func() {
		Cfg.Set("io_dir", ".")
		Cfg.Set("kernel", "rapid")
		Cfg.Set("init_flows", false)
	}()

	job := dispatch.Job{
		Cycle:    "20200101.12",
		Region:   "tx-gulf",
		Member:   7,
		GridFile: "/data/7.Runoff.nc",
		LogFile:  "/logs/job.log",
	}
	got := memberJobArgs(job)
	want := []string{
		"--io_dir=/data/io",
		"--kernel=/usr/local/bin/rapid",
		"--init_flows=true",
		"--job_cycle=20200101.12",
		"--job_region=tx-gulf",
		"--job_member=7",
		"--job_grid_file=/data/7.Runoff.nc",
		"--job_log_file=/logs/job.log",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("memberJobArgs = %v; want %v", got, want)
	}
}

func TestCheckDir(t *testing.T) {
	dir := t.TempDir()
	got, err := checkDir(dir)
	if err != nil || got != dir {
		t.Errorf("checkDir(%q) = %q, %v", dir, got, err)
	}

	os.Setenv("STREAMCAST_TEST_DIR", dir)
	defer os.Unsetenv("STREAMCAST_TEST_DIR")
	got, err = checkDir("$STREAMCAST_TEST_DIR")
	if err != nil || got != dir {
		t.Errorf("checkDir with environment variable = %q, %v", got, err)
	}

	if _, err := checkDir(""); err == nil {
		t.Error("expected error for an empty directory")
	}
	if _, err := checkDir(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for a missing directory")
	}
	file := filepath.Join(dir, "f")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := checkDir(file); err == nil {
		t.Error("expected error for a non-directory")
	}
}

func TestCheckFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "grid.nc")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	got, err := checkFile(file)
	if err != nil || got != file {
		t.Errorf("checkFile(%q) = %q, %v", file, got, err)
	}
	if _, err := checkFile(""); err == nil {
		t.Error("expected error for an empty file")
	}
	if _, err := checkFile(filepath.Join(dir, "missing.nc")); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestCheckKernel(t *testing.T) {
	// The kernel may be resolved through PATH, so only emptiness is
	// checked.
	got, err := checkKernel("rapid")
	if err != nil || got != "rapid" {
		t.Errorf("checkKernel(rapid) = %q, %v", got, err)
	}
	if _, err := checkKernel(""); err == nil {
		t.Error("expected error for an empty kernel")
	}
}

func TestCheckForecastLocation(t *testing.T) {
	Cfg.Set("forecast_dir", "")
	Cfg.Set("forecast_bucket", "")
	if _, err := checkForecastLocation(); err == nil {
		t.Error("expected error when no release location is configured")
	}

	Cfg.Set("forecast_bucket", "s3://releases")
	got, err := checkForecastLocation()
	if err != nil || got != "s3://releases" {
		t.Errorf("bucket location = %q, %v", got, err)
	}

	// forecast_dir takes precedence over forecast_bucket.
	Cfg.Set("forecast_dir", "/data/releases")
	got, err = checkForecastLocation()
	if err != nil || got != "/data/releases" {
		t.Errorf("directory location = %q, %v", got, err)
	}

	Cfg.Set("forecast_dir", "")
	Cfg.Set("forecast_bucket", "")
}

func TestWarningThreshold(t *testing.T) {
	// Configuration files may supply the threshold as a string.
	Cfg.Set("warning_threshold", "15.5")
	defer Cfg.Set("warning_threshold", float64(10))
	if got := warningThreshold(); got != 15.5 {
		t.Errorf("warningThreshold = %g; want 15.5", got)
	}
}

// writeRoutingInput writes the static routing inputs for a three-reach
// test region.
func writeRoutingInput(t *testing.T, inputDir string) {
	t.Helper()
	if err := os.MkdirAll(inputDir, 0755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"rapid_connect.csv": "11,13,0\n12,13,0\n13,0,2,11,12\n",
		"riv_bas_id.csv":    "11\n12\n13\n",
		"k.csv":             "3600\n3600\n3600\n",
		"x.csv":             "0.3\n0.3\n0.3\n",
		"comid_lat_lon_z.csv": "COMID,lat,lon,z\n" +
			"11,30.1,-97.1,100\n12,30.2,-97.2,110\n13,30.3,-97.3,90\n",
	}
	weights := "streamID,area_sqm,lon_index,lat_index,npoints,weight\n" +
		"11,1000,0,0,1,1\n12,1000,1,0,1,1\n13,1000,0,1,1,1\n"
	files["weight_ecmwf_tco639.csv"] = weights
	files["weight_ecmwf_t1279.csv"] = weights
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(inputDir, name), []byte(data), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

// writeRunoffGrid writes a gridded runoff file of zeros on a 2x2 cell
// grid with the given time axis.
func writeRunoffGrid(t *testing.T, path string, timeHours []float64, units string) {
	t.Helper()
	nt := len(timeHours)
	h := cdf.NewHeader([]string{"time", "lat", "lon"}, []int{nt, 2, 2})
	h.AddVariable("time", []string{"time"}, []float64{0})
	h.AddAttribute("time", "units", units)
	h.AddVariable("lat", []string{"lat"}, []float64{0})
	h.AddVariable("lon", []string{"lon"}, []float64{0})
	h.AddVariable("RO", []string{"time", "lat", "lon"}, []float64{0})
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
	for _, w := range []struct {
		name string
		data []float64
	}{
		{"time", timeHours},
		{"lat", make([]float64, 2)},
		{"lon", make([]float64, 2)},
		{"RO", make([]float64, nt*4)},
	} {
		if _, err := cf.Writer(w.name, nil, nil).Write(w.data); err != nil {
			t.Fatalf("writing %s: %v", w.name, err)
		}
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

// writeZeroDischarge writes a raw kernel discharge file of zeros.
func writeZeroDischarge(t *testing.T, path string, nSteps, nRiv int) {
	t.Helper()
	h := cdf.NewHeader([]string{"Time", "rivid"}, []int{nSteps, nRiv})
	h.AddVariable("Qout", []string{"Time", "rivid"}, []float32{0})
	h.Define()
	if errs := h.Check(); len(errs) != 0 {
		t.Fatalf("building discharge header: %v", errs)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	cf, err := cdf.Create(f, h)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cf.Writer("Qout", nil, nil).Write(make([]float32, nSteps*nRiv)); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRunMemberJob(t *testing.T) {
	ioDir := t.TempDir()
	writeRoutingInput(t, filepath.Join(ioDir, "input", "tx-gulf"))

	gridFile := filepath.Join(ioDir, "1.Runoff.nc")
	writeRunoffGrid(t, gridFile, []float64{0, 12, 24, 36}, "hours since 2020-01-01 00:00:00")

	// The stand-in kernel copies a pre-built raw discharge file, sized
	// for the three 12-hour steps above, to the namelist's output path.
	raw := filepath.Join(ioDir, "kernel_qout.nc")
	writeZeroDischarge(t, raw, 3, 3)
	kernel := filepath.Join(ioDir, "fake_rapid")
	script := "#!/bin/sh\n" +
		`qout=$(sed -n "s/Qout_file = '\(.*\)'/\1/p" rapid_namelist)` + "\n" +
		"cp '" + raw + "' \"$qout\"\n"
	if err := os.WriteFile(kernel, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}

	Cfg.Set("io_dir", ioDir)
	Cfg.Set("kernel", kernel)
	defer func() {
		Cfg.Set("io_dir", ".")
		Cfg.Set("kernel", "rapid")
	}()

	workDir := t.TempDir()
	job := dispatch.Job{
		Cycle:    "20200101.0",
		Region:   "tx-gulf",
		Member:   1,
		GridFile: gridFile,
	}
	if err := runMemberJob(context.Background(), job, workDir); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(ioDir, "output", "tx-gulf", "20200101.0", "Qout_tx_gulf_1.nc")
	q, err := streamcast.ReadQout(out)
	if err != nil {
		t.Fatal(err)
	}
	if q.NTime != 3 || q.NumReaches() != 3 {
		t.Errorf("routed dimensions (%d,%d); want (3,3)", q.NTime, q.NumReaches())
	}
	if q.Rivids[0] != 11 || q.Rivids[1] != 12 || q.Rivids[2] != 13 {
		t.Errorf("rivids %v; want [11 12 13]", q.Rivids)
	}
}

func TestForecastConfig(t *testing.T) {
	ioDir := t.TempDir()
	Cfg.Set("io_dir", ioDir)
	Cfg.Set("forecast_dir", filepath.Join(ioDir, "releases"))
	Cfg.Set("subprocess_log_dir", filepath.Join(ioDir, "logs"))
	Cfg.Set("gage_correction", true)
	defer func() {
		Cfg.Set("io_dir", ".")
		Cfg.Set("forecast_dir", "")
		Cfg.Set("subprocess_log_dir", ".")
		Cfg.Set("gage_correction", false)
	}()

	c, err := forecastConfig(nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.IODir != ioDir {
		t.Errorf("IODir = %q", c.IODir)
	}
	if c.ForecastDir != filepath.Join(ioDir, "releases") {
		t.Errorf("ForecastDir = %q", c.ForecastDir)
	}
	if c.Gages == nil {
		t.Error("gage correction enabled but no gage client configured")
	}

	Cfg.Set("io_dir", filepath.Join(ioDir, "missing"))
	if _, err := forecastConfig(nil); err == nil {
		t.Error("expected error for a missing I/O directory")
	}
}
