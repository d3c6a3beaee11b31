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

// Package routing drives an external Muskingum streamflow routing
// kernel: it renders the kernel's Fortran namelist from typed
// parameters and runs the kernel executable over one lateral inflow
// file.
package routing

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// RoutingStep is the kernel's internal computation step (ZS_dtR).
const RoutingStep = 900 * time.Second

// NamelistName is the file name the kernel reads its parameters from,
// relative to its working directory.
const NamelistName = "rapid_namelist"

// Params holds the per-run routing parameters rendered into the
// kernel namelist.
type Params struct {
	// Network description.
	ConnectFile     string
	BasinIDFile     string
	KFile, XFile    string
	NumReaches      int // rows in ConnectFile
	NumBasinReaches int // rows in BasinIDFile
	MaxUpstream     int

	// Per-run inputs and outputs.
	InflowFile string
	QoutFile   string

	// QinitFile warm-starts the kernel when non-empty.
	QinitFile string

	// RunoffStep is the cadence of the inflow file (ZS_TauR) and
	// Horizon the total simulation length (ZS_TauM).
	RunoffStep time.Duration
	Horizon    time.Duration

	// Forcing substitutes observed flows at selected reaches; all
	// three files must be set together.
	ForcingFile      string
	ForcingTotalFile string
	ForcingUseFile   string
	NumForcingTotal  int
	NumForcingUse    int
}

func fortranBool(b bool) string {
	if b {
		return ".true."
	}
	return ".false."
}

// Namelist renders p in the kernel's Fortran namelist format.
func (p *Params) Namelist() string {
	var b []byte
	add := func(format string, args ...interface{}) {
		b = append(b, fmt.Sprintf(format+"\n", args...)...)
	}
	forcing := p.ForcingFile != "" && p.ForcingTotalFile != "" && p.ForcingUseFile != ""
	add("&NL_namelist")
	add("BS_opt_Qinit = %s", fortranBool(p.QinitFile != ""))
	add("BS_opt_Qfinal = .false.")
	add("BS_opt_dam = .false.")
	add("BS_opt_for = %s", fortranBool(forcing))
	add("BS_opt_influence = .false.")
	add("IS_opt_routing = 1")
	add("IS_opt_run = 1")
	add("IS_opt_phi = 1")
	add("ZS_TauR = %d", int(p.RunoffStep.Seconds()))
	add("ZS_dtR = %d", int(RoutingStep.Seconds()))
	add("ZS_TauM = %d", int(p.Horizon.Seconds()))
	add("ZS_dtM = %d", int(p.RunoffStep.Seconds()))
	add("IS_riv_tot = %d", p.NumReaches)
	add("rapid_connect_file = '%s'", p.ConnectFile)
	add("IS_max_up = %d", p.MaxUpstream)
	add("IS_riv_bas = %d", p.NumBasinReaches)
	add("riv_bas_id_file = '%s'", p.BasinIDFile)
	if p.QinitFile != "" {
		add("Qinit_file = '%s'", p.QinitFile)
	}
	add("k_file = '%s'", p.KFile)
	add("x_file = '%s'", p.XFile)
	add("Vlat_file = '%s'", p.InflowFile)
	add("Qout_file = '%s'", p.QoutFile)
	if forcing {
		add("IS_for_tot = %d", p.NumForcingTotal)
		add("for_tot_id_file = '%s'", p.ForcingTotalFile)
		add("IS_for_use = %d", p.NumForcingUse)
		add("for_use_id_file = '%s'", p.ForcingUseFile)
		add("Qfor_file = '%s'", p.ForcingFile)
	}
	add("/")
	return string(b)
}

// A Runner executes the routing kernel in the given working
// directory, where a namelist file has been rendered. Implementations
// other than Exec are used in tests.
type Runner interface {
	Run(ctx context.Context, dir string, logw io.Writer) error
}

// Exec runs the routing kernel executable as a subprocess with the
// working directory set so the kernel finds its namelist.
type Exec struct {
	Executable string
}

func (e *Exec) Run(ctx context.Context, dir string, logw io.Writer) error {
	cmd := exec.CommandContext(ctx, e.Executable)
	cmd.Dir = dir
	cmd.Stdout = logw
	cmd.Stderr = logw
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("routing: running kernel %s: %v", e.Executable, err)
	}
	return nil
}

// A Driver renders namelists and runs the routing kernel.
type Driver struct {
	Runner Runner
}

// NewDriver returns a Driver running the given kernel executable.
func NewDriver(kernel string) *Driver {
	return &Driver{Runner: &Exec{Executable: kernel}}
}

// Route runs the kernel once in dir with the given parameters,
// sending kernel output to logw. It fails if the kernel exits
// nonzero or does not produce the discharge file.
func (d *Driver) Route(ctx context.Context, dir string, p *Params, logw io.Writer) error {
	nl := filepath.Join(dir, NamelistName)
	if err := os.WriteFile(nl, []byte(p.Namelist()), 0644); err != nil {
		return fmt.Errorf("routing: writing namelist: %v", err)
	}
	if err := d.Runner.Run(ctx, dir, logw); err != nil {
		return err
	}
	if _, err := os.Stat(p.QoutFile); err != nil {
		return fmt.Errorf("routing: kernel did not produce discharge file %s: %v", p.QoutFile, err)
	}
	return nil
}
