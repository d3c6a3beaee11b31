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

// Package streamcastutil holds the configuration and command-line
// interface of the StreamCast forecast pipeline.
package streamcastutil

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/lnashier/viper"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/streamcast"
	"github.com/spatialmodel/streamcast/dispatch"
	"github.com/spatialmodel/streamcast/forecast"
	"github.com/spatialmodel/streamcast/routing"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Cfg holds configuration information.
var Cfg *viper.Viper

var options []struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

func init() {
	// Options are the configuration options available to StreamCast.
	options = []struct {
		name, usage, shorthand string
		defaultVal             interface{}
		flagsets               []*pflag.FlagSet
	}{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "kernel",
			usage: `
              kernel is the path to the routing kernel executable.
              Environment variables within it are expanded.`,
			defaultVal: "rapid",
			flagsets:   []*pflag.FlagSet{ecmwfCmd.Flags(), lsmCmd.Flags(), memberCmd.Flags()},
		},
		{
			name: "io_dir",
			usage: `
              io_dir is the pipeline root directory. Region inputs are
              read from <io_dir>/input/<region> and routed output is
              written to <io_dir>/output/<region>/<cycle>.`,
			defaultVal: ".",
			flagsets:   []*pflag.FlagSet{ecmwfCmd.Flags(), lsmCmd.Flags(), memberCmd.Flags(), unlockCmd.Flags()},
		},
		{
			name: "lock_file",
			usage: `
              lock_file is the location of the pipeline lock and
              watermark file. The default is
              <io_dir>/streamcast_lock.json.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{ecmwfCmd.Flags(), lsmCmd.Flags(), unlockCmd.Flags()},
		},
		{
			name: "forecast_dir",
			usage: `
              forecast_dir is a local directory holding upstream runoff
              releases, one directory or archive per forecast cycle.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{ecmwfCmd.Flags()},
		},
		{
			name: "forecast_bucket",
			usage: `
              forecast_bucket is a blob storage bucket URL (file://,
              gs://, or s3://) holding archived upstream runoff
              releases. It is used when forecast_dir is not specified.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{ecmwfCmd.Flags()},
		},
		{
			name: "download",
			usage: `
              download specifies whether release archives should be
              fetched and extracted before processing. If false,
              forecast_dir must hold already-extracted release
              directories.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{ecmwfCmd.Flags()},
		},
		{
			name: "region_tag",
			usage: `
              region_tag restricts processing to upstream releases whose
              names contain the given text. Empty means no restriction.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{ecmwfCmd.Flags()},
		},
		{
			name: "log_dir",
			usage: `
              log_dir receives the per-run controller log.`,
			defaultVal: ".",
			flagsets:   []*pflag.FlagSet{ecmwfCmd.Flags(), lsmCmd.Flags()},
		},
		{
			name: "subprocess_log_dir",
			usage: `
              subprocess_log_dir receives routing kernel logs, grouped
              in one directory per forecast cycle.`,
			defaultVal: ".",
			flagsets:   []*pflag.FlagSet{ecmwfCmd.Flags()},
		},
		{
			name: "backend",
			usage: `
              backend selects how ensemble member jobs run: 'local'
              runs them in a bounded worker pool in this process;
              'kubernetes' submits one cluster job per member.`,
			defaultVal: "local",
			flagsets:   []*pflag.FlagSet{ecmwfCmd.Flags()},
		},
		{
			name: "historical_dir",
			usage: `
              historical_dir holds per-region seasonal-average or
              historical discharge files used to synthesize initial
              flows when no prior forecast cycle exists.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{ecmwfCmd.Flags()},
		},
		{
			name: "init_flows",
			usage: `
              init_flows enables streamflow assimilation between
              forecast cycles: each member is warm-started from the
              prior cycle's initial-flow file, and an ensemble-mean
              initial-flow file is written for the next cycle.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{ecmwfCmd.Flags(), lsmCmd.Flags(), memberCmd.Flags()},
		},
		{
			name: "gage_correction",
			usage: `
              gage_correction adjusts prior initial flows with stream
              gage observations before routing. It requires init_flows
              and a usgs_gages.csv file in the region input directory.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{ecmwfCmd.Flags()},
		},
		{
			name: "warning_threshold",
			usage: `
              warning_threshold is the minimum plausible 20-year return
              flow in m3/s; reaches whose published return flow falls
              below it get floored warning thresholds instead.`,
			defaultVal: float64(streamcast.DefaultWarningThreshold),
			flagsets:   []*pflag.FlagSet{ecmwfCmd.Flags(), lsmCmd.Flags()},
		},
		{
			name: "publish_bucket",
			usage: `
              publish_bucket is a blob storage bucket URL that receives
              an archive of each completed cycle's output. Empty
              disables publication.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{ecmwfCmd.Flags()},
		},
		{
			name: "delete_output",
			usage: `
              delete_output removes local cycle output after successful
              publication to publish_bucket.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{ecmwfCmd.Flags()},
		},
		{
			name: "execute_dir",
			usage: `
              execute_dir is where the local backend creates member
              scratch directories. The default is the system temporary
              directory.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{ecmwfCmd.Flags()},
		},
		{
			name: "job_cores",
			usage: `
              job_cores is the number of member jobs the local backend
              runs concurrently. Zero or less means one per processor.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{ecmwfCmd.Flags()},
		},
		{
			name: "namespace",
			usage: `
              namespace is the Kubernetes namespace member jobs run in.`,
			defaultVal: dispatch.DefaultNamespace,
			flagsets:   []*pflag.FlagSet{ecmwfCmd.Flags()},
		},
		{
			name: "image",
			usage: `
              image is the container image the kubernetes backend runs
              member jobs with.`,
			defaultVal: "streamcast/streamcast:latest",
			flagsets:   []*pflag.FlagSet{ecmwfCmd.Flags()},
		},
		{
			name: "kubeconfig",
			usage: `
              kubeconfig is the path to a Kubernetes configuration
              file. If empty, the in-cluster configuration is used.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{ecmwfCmd.Flags()},
		},
		{
			name: "grid_file",
			usage: `
              grid_file is the land-surface-model runoff grid to route.
              Its forecast cycle comes from the time variable's units
              attribute.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{lsmCmd.Flags()},
		},
		{
			name: "job_cycle",
			usage: `
              job_cycle is the forecast cycle directory name
              (YYYYMMDD.HH) of the member job to run.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{memberCmd.Flags()},
		},
		{
			name: "job_region",
			usage: `
              job_region is the region name
              (<watershed>-<subbasin>) of the member job to run.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{memberCmd.Flags()},
		},
		{
			name: "job_member",
			usage: `
              job_member is the ensemble member number of the member
              job to run.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{memberCmd.Flags()},
		},
		{
			name: "job_grid_file",
			usage: `
              job_grid_file is the runoff grid file of the member job
              to run.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{memberCmd.Flags()},
		},
		{
			name: "job_log_file",
			usage: `
              job_log_file receives the routing kernel output of the
              member job. Empty discards it.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{memberCmd.Flags()},
		},
	}

	Cfg = viper.New()

	// Set the prefix for configuration environment variables.
	Cfg.SetEnvPrefix("STREAMCAST")

	for _, option := range options {
		for i, set := range option.flagsets {
			if i != 0 { // We don't want to create the same flag twice.
				set.AddFlag(option.flagsets[0].Lookup(option.name))
				continue
			}
			switch option.defaultVal.(type) {
			case string:
				if option.shorthand == "" {
					set.String(option.name, option.defaultVal.(string), option.usage)
				} else {
					set.StringP(option.name, option.shorthand, option.defaultVal.(string), option.usage)
				}
			case bool:
				if option.shorthand == "" {
					set.Bool(option.name, option.defaultVal.(bool), option.usage)
				} else {
					set.BoolP(option.name, option.shorthand, option.defaultVal.(bool), option.usage)
				}
			case int:
				if option.shorthand == "" {
					set.Int(option.name, option.defaultVal.(int), option.usage)
				} else {
					set.IntP(option.name, option.shorthand, option.defaultVal.(int), option.usage)
				}
			case float64:
				if option.shorthand == "" {
					set.Float64(option.name, option.defaultVal.(float64), option.usage)
				} else {
					set.Float64P(option.name, option.shorthand, option.defaultVal.(float64), option.usage)
				}
			default:
				panic("invalid argument type")
			}
			Cfg.BindPFlag(option.name, set.Lookup(option.name))
		}
	}
}

func init() {
	// Link the commands together.
	Root.AddCommand(versionCmd)
	Root.AddCommand(ecmwfCmd)
	Root.AddCommand(lsmCmd)
	Root.AddCommand(memberCmd)
	Root.AddCommand(unlockCmd)
}

// setConfig finds and reads in the configuration file, if there is one.
func setConfig() error {
	if cfgpath := Cfg.GetString("config"); cfgpath != "" {
		Cfg.SetConfigFile(cfgpath)
		if err := Cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("streamcast: problem reading configuration file: %v", err)
		}
	}
	return nil
}

// Root is the main command.
var Root = &cobra.Command{
	Use:   "streamcast",
	Short: "An operational ensemble streamflow forecasting pipeline.",
	Long: `StreamCast routes ensemble runoff forecasts through river networks to
produce streamflow forecasts and flood warning points.
Use the subcommands specified below to access the pipeline functionality.

Refer to the subcommand documentation for configuration options and default
settings. Configuration can be changed by using a configuration file (and
providing the path to the file using the --config flag), by using
command-line arguments, or by setting environment variables in the format
'STREAMCAST_var' where 'var' is the name of the variable to be set. Many
configuration variables are additionally allowed to contain environment
variables within them.
Refer to https://github.com/spf13/viper for additional configuration
information.`,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(*cobra.Command, []string) error { return setConfig() },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "version prints the version number of this version of StreamCast.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("StreamCast v%s\n", streamcast.Version)
	},
	DisableAutoGenTag: true,
}

// ecmwfCmd runs the ensemble forecast controller once: every upstream
// release newer than the stored watermark is routed through every
// region.
var ecmwfCmd = &cobra.Command{
	Use:   "ecmwf",
	Short: "Run the ensemble forecast controller.",
	Long: `ecmwf runs one pass of the ensemble forecast controller. Each upstream
runoff release newer than the stored watermark is routed through every
region under io_dir, one job per ensemble member, and the watermark
advances as each cycle completes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		log, logName, closeLog, err := mainLog()
		if err != nil {
			return err
		}
		defer closeLog()

		c, err := forecastConfig(log)
		if err != nil {
			return err
		}
		c.Dispatcher, err = newDispatcher()
		if err != nil {
			return err
		}
		err = forecast.Run(ctx, c)
		forecast.CleanLogs(c, os.ExpandEnv(Cfg.GetString("log_dir")), logName)
		return err
	},
	DisableAutoGenTag: true,
}

// lsmCmd routes a single deterministic land-surface-model forecast.
var lsmCmd = &cobra.Command{
	Use:   "lsm",
	Short: "Route a land-surface-model runoff forecast.",
	Long: `lsm routes one deterministic land-surface-model runoff forecast through
every region under io_dir: a single routing pass per region, warning
points where return periods are published, and an initial-flow file for
the cycle 12 hours later.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		log, logName, closeLog, err := mainLog()
		if err != nil {
			return err
		}
		defer closeLog()

		ioDir, err := checkDir(Cfg.GetString("io_dir"))
		if err != nil {
			return err
		}
		kernel, err := checkKernel(Cfg.GetString("kernel"))
		if err != nil {
			return err
		}
		gridFile, err := checkFile(Cfg.GetString("grid_file"))
		if err != nil {
			return err
		}
		err = forecast.RunLSM(ctx, &forecast.LSMConfig{
			IODir:            ioDir,
			LockFile:         os.ExpandEnv(Cfg.GetString("lock_file")),
			GridFile:         gridFile,
			Driver:           routing.NewDriver(kernel),
			InitFlows:        Cfg.GetBool("init_flows"),
			WarningThreshold: warningThreshold(),
			Log:              log,
		})
		streamcast.CleanLogs(os.ExpandEnv(Cfg.GetString("subprocess_log_dir")),
			os.ExpandEnv(Cfg.GetString("log_dir")), logName, time.Now().UTC())
		return err
	},
	DisableAutoGenTag: true,
}

// memberCmd runs one ensemble member worker. The kubernetes backend
// runs this subcommand inside each cluster job.
var memberCmd = &cobra.Command{
	Use:   "member",
	Short: "Route one ensemble member.",
	Long: `member routes one (region, ensemble member) runoff grid and writes the
canonical discharge file to the cycle output directory. The kubernetes
job backend runs this subcommand inside each cluster job; it can also
be used to rerun a single member by hand.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		job := dispatch.Job{
			Cycle:    Cfg.GetString("job_cycle"),
			Region:   Cfg.GetString("job_region"),
			Member:   Cfg.GetInt("job_member"),
			GridFile: os.ExpandEnv(Cfg.GetString("job_grid_file")),
			LogFile:  os.ExpandEnv(Cfg.GetString("job_log_file")),
		}
		workDir, err := os.MkdirTemp("", "streamcast_member_")
		if err != nil {
			return fmt.Errorf("streamcast: creating scratch directory: %v", err)
		}
		defer os.RemoveAll(workDir)
		return runMemberJob(context.Background(), job, workDir)
	},
	DisableAutoGenTag: true,
}

// unlockCmd clears a stale pipeline lock.
var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Clear a stale pipeline lock.",
	Long: `unlock marks the pipeline as not running while preserving the stored
forecast watermark. Use it when a crash or reboot leaves the lock held.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		lock, err := lockPath()
		if err != nil {
			return err
		}
		return streamcast.Unlock(lock)
	},
	DisableAutoGenTag: true,
}

// mainLog opens the per-run controller log and returns a logger
// writing to both it and standard output, the log file name, and a
// function closing the file.
func mainLog() (*logrus.Logger, string, func(), error) {
	logDir, err := checkDir(Cfg.GetString("log_dir"))
	if err != nil {
		return nil, "", nil, err
	}
	name := streamcast.MainLogName(time.Now().UTC())
	f, err := os.Create(filepath.Join(logDir, name))
	if err != nil {
		return nil, "", nil, fmt.Errorf("streamcast: creating log file: %v", err)
	}
	log := logrus.New()
	log.Out = io.MultiWriter(os.Stdout, f)
	return log, name, func() { f.Close() }, nil
}

// lockPath returns the pipeline lock file location.
func lockPath() (string, error) {
	if lock := Cfg.GetString("lock_file"); lock != "" {
		return os.ExpandEnv(lock), nil
	}
	ioDir, err := checkDir(Cfg.GetString("io_dir"))
	if err != nil {
		return "", err
	}
	return filepath.Join(ioDir, "streamcast_lock.json"), nil
}

// runMemberJob routes one member job in this process. It implements
// dispatch.RunFunc for the local backend and backs the member
// subcommand.
func runMemberJob(ctx context.Context, job dispatch.Job, workDir string) error {
	ioDir, err := checkDir(Cfg.GetString("io_dir"))
	if err != nil {
		return err
	}
	kernel, err := checkKernel(Cfg.GetString("kernel"))
	if err != nil {
		return err
	}
	cycle, err := streamcast.ParseCycleDir(job.Cycle)
	if err != nil {
		return err
	}
	region, err := streamcast.ParseRegion(job.Region)
	if err != nil {
		return err
	}
	log := logrus.New()
	var kernelLog io.Writer
	if job.LogFile != "" {
		f, err := os.Create(job.LogFile)
		if err != nil {
			return fmt.Errorf("streamcast: creating job log file: %v", err)
		}
		defer f.Close()
		kernelLog = f
		log.Out = io.MultiWriter(os.Stdout, f)
	}
	_, err = forecast.RunMember(ctx, &forecast.MemberConfig{
		Driver:    routing.NewDriver(kernel),
		InputDir:  region.InputDir(ioDir),
		GridFile:  job.GridFile,
		Cycle:     cycle,
		Region:    region,
		Member:    job.Member,
		WorkDir:   workDir,
		OutputDir: region.OutputDir(ioDir, cycle),
		InitFlows: Cfg.GetBool("init_flows"),
		KernelLog: kernelLog,
		Log:       log.WithField("job", job.Name()),
	})
	return err
}

// memberJobArgs serializes a member job to the arguments of the
// member subcommand run inside a cluster job container.
func memberJobArgs(job dispatch.Job) []string {
	return []string{
		"--io_dir=" + Cfg.GetString("io_dir"),
		"--kernel=" + Cfg.GetString("kernel"),
		fmt.Sprintf("--init_flows=%v", Cfg.GetBool("init_flows")),
		"--job_cycle=" + job.Cycle,
		"--job_region=" + job.Region,
		fmt.Sprintf("--job_member=%d", job.Member),
		"--job_grid_file=" + job.GridFile,
		"--job_log_file=" + job.LogFile,
	}
}
