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
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/streamcast"
	"github.com/spatialmodel/streamcast/forecast"
	"github.com/spf13/cast"
)

// checkDir expands the environment variables in dir and makes sure it
// is an existing directory.
func checkDir(dir string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("streamcast: a required directory is not specified")
	}
	d := os.ExpandEnv(dir)
	info, err := os.Stat(d)
	if err != nil {
		return "", fmt.Errorf("streamcast: directory %s: %v", d, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("streamcast: %s is not a directory", d)
	}
	return d, nil
}

// checkFile expands the environment variables in file and makes sure
// it exists.
func checkFile(file string) (string, error) {
	if file == "" {
		return "", fmt.Errorf("streamcast: a required file is not specified")
	}
	f := os.ExpandEnv(file)
	if _, err := os.Stat(f); err != nil {
		return "", fmt.Errorf("streamcast: file %s: %v", f, err)
	}
	return f, nil
}

// checkKernel expands the environment variables in the routing kernel
// path and makes sure one is specified. The kernel itself is not
// checked; it may be resolved through PATH.
func checkKernel(kernel string) (string, error) {
	if kernel == "" {
		return "", fmt.Errorf("streamcast: no routing kernel executable is specified")
	}
	return os.ExpandEnv(kernel), nil
}

// checkForecastLocation returns the upstream release location:
// forecast_dir when specified, the forecast_bucket URL otherwise.
func checkForecastLocation() (string, error) {
	if dir := Cfg.GetString("forecast_dir"); dir != "" {
		return os.ExpandEnv(dir), nil
	}
	if bucket := Cfg.GetString("forecast_bucket"); bucket != "" {
		return bucket, nil
	}
	return "", fmt.Errorf("streamcast: neither forecast_dir nor forecast_bucket is specified")
}

// warningThreshold returns the warning flooring threshold, which may
// arrive as a string from a configuration file.
func warningThreshold() float64 {
	return cast.ToFloat64(Cfg.Get("warning_threshold"))
}

// forecastConfig assembles the ensemble controller configuration from
// the current configuration state.
func forecastConfig(log *logrus.Logger) (*forecast.Config, error) {
	ioDir, err := checkDir(Cfg.GetString("io_dir"))
	if err != nil {
		return nil, err
	}
	forecastDir, err := checkForecastLocation()
	if err != nil {
		return nil, err
	}
	subprocessLogDir := os.ExpandEnv(Cfg.GetString("subprocess_log_dir"))
	if subprocessLogDir == "" {
		return nil, fmt.Errorf("streamcast: no subprocess log directory is specified")
	}
	c := &forecast.Config{
		IODir:            ioDir,
		LockFile:         os.ExpandEnv(Cfg.GetString("lock_file")),
		ForecastDir:      forecastDir,
		Download:         Cfg.GetBool("download"),
		RegionTag:        Cfg.GetString("region_tag"),
		HistoricalDir:    os.ExpandEnv(Cfg.GetString("historical_dir")),
		SubprocessLogDir: subprocessLogDir,
		InitFlows:        Cfg.GetBool("init_flows"),
		GageCorrection:   Cfg.GetBool("gage_correction"),
		WarningThreshold: warningThreshold(),
		PublishBucket:    Cfg.GetString("publish_bucket"),
		DeleteOutput:     Cfg.GetBool("delete_output"),
		Log:              log,
	}
	if c.GageCorrection {
		c.Gages = &streamcast.GageClient{}
	}
	return c, nil
}
