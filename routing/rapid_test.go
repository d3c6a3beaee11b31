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

package routing

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func baseParams() *Params {
	return &Params{
		ConnectFile:     "/input/rapid_connect.csv",
		BasinIDFile:     "/input/riv_bas_id.csv",
		KFile:           "/input/k.csv",
		XFile:           "/input/x.csv",
		NumReaches:      100,
		NumBasinReaches: 90,
		MaxUpstream:     3,
		InflowFile:      "/work/m3_riv.nc",
		QoutFile:        "/work/Qout.nc",
		RunoffStep:      6 * time.Hour,
		Horizon:         360 * time.Hour,
	}
}

func TestNamelist(t *testing.T) {
	nl := baseParams().Namelist()
	for _, want := range []string{
		"&NL_namelist\n",
		"BS_opt_Qinit = .false.\n",
		"BS_opt_Qfinal = .false.\n",
		"BS_opt_for = .false.\n",
		"IS_opt_routing = 1\n",
		"ZS_TauR = 21600\n",
		"ZS_dtR = 900\n",
		"ZS_TauM = 1296000\n",
		"ZS_dtM = 21600\n",
		"IS_riv_tot = 100\n",
		"rapid_connect_file = '/input/rapid_connect.csv'\n",
		"IS_max_up = 3\n",
		"IS_riv_bas = 90\n",
		"riv_bas_id_file = '/input/riv_bas_id.csv'\n",
		"k_file = '/input/k.csv'\n",
		"x_file = '/input/x.csv'\n",
		"Vlat_file = '/work/m3_riv.nc'\n",
		"Qout_file = '/work/Qout.nc'\n",
		"/\n",
	} {
		if !strings.Contains(nl, want) {
			t.Errorf("namelist missing %q:\n%s", want, nl)
		}
	}
	for _, absent := range []string{"Qinit_file", "Qfor_file", "IS_for_tot"} {
		if strings.Contains(nl, absent) {
			t.Errorf("namelist should not contain %q without the matching inputs", absent)
		}
	}
}

func TestNamelist_warmStart(t *testing.T) {
	p := baseParams()
	p.QinitFile = "/work/Qinit_20200101t00.csv"
	nl := p.Namelist()
	if !strings.Contains(nl, "BS_opt_Qinit = .true.\n") {
		t.Error("warm start not enabled")
	}
	if !strings.Contains(nl, "Qinit_file = '/work/Qinit_20200101t00.csv'\n") {
		t.Error("initial-flow file not referenced")
	}
}

func TestNamelist_forcing(t *testing.T) {
	p := baseParams()
	p.ForcingFile = "/input/qfor.csv"
	p.ForcingTotalFile = "/input/for_tot_id.csv"
	p.ForcingUseFile = "/input/for_use_id.csv"
	p.NumForcingTotal = 5
	p.NumForcingUse = 4
	nl := p.Namelist()
	for _, want := range []string{
		"BS_opt_for = .true.\n",
		"IS_for_tot = 5\n",
		"for_tot_id_file = '/input/for_tot_id.csv'\n",
		"IS_for_use = 4\n",
		"for_use_id_file = '/input/for_use_id.csv'\n",
		"Qfor_file = '/input/qfor.csv'\n",
	} {
		if !strings.Contains(nl, want) {
			t.Errorf("namelist missing %q", want)
		}
	}

	// Forcing requires all three files.
	p.ForcingUseFile = ""
	if nl := p.Namelist(); !strings.Contains(nl, "BS_opt_for = .false.\n") {
		t.Error("forcing enabled with an incomplete file set")
	}
}

// stubRunner pretends to be the routing kernel: it checks that the
// namelist was rendered and creates the discharge file named in it.
type stubRunner struct {
	ran      bool
	sawQinit bool
	fail     bool
}

func (r *stubRunner) Run(ctx context.Context, dir string, logw io.Writer) error {
	r.ran = true
	nl, err := os.ReadFile(filepath.Join(dir, NamelistName))
	if err != nil {
		return fmt.Errorf("no namelist: %v", err)
	}
	r.sawQinit = strings.Contains(string(nl), "BS_opt_Qinit = .true.")
	if r.fail {
		return fmt.Errorf("kernel blew up")
	}
	for _, line := range strings.Split(string(nl), "\n") {
		if strings.HasPrefix(line, "Qout_file = '") {
			path := strings.TrimSuffix(strings.TrimPrefix(line, "Qout_file = '"), "'")
			if err := os.WriteFile(path, []byte("qout"), 0644); err != nil {
				return err
			}
		}
	}
	fmt.Fprintln(logw, "kernel finished")
	return nil
}

func TestDriverRoute(t *testing.T) {
	dir := t.TempDir()
	p := baseParams()
	p.QoutFile = filepath.Join(dir, "Qout.nc")
	r := &stubRunner{}
	d := &Driver{Runner: r}
	var log strings.Builder
	if err := d.Route(context.Background(), dir, p, &log); err != nil {
		t.Fatal(err)
	}
	if !r.ran {
		t.Error("kernel never ran")
	}
	if _, err := os.Stat(p.QoutFile); err != nil {
		t.Errorf("discharge file missing: %v", err)
	}
	if !strings.Contains(log.String(), "kernel finished") {
		t.Error("kernel output not captured")
	}
}

func TestDriverRoute_kernelFailure(t *testing.T) {
	dir := t.TempDir()
	p := baseParams()
	p.QoutFile = filepath.Join(dir, "Qout.nc")
	d := &Driver{Runner: &stubRunner{fail: true}}
	if err := d.Route(context.Background(), dir, p, io.Discard); err == nil {
		t.Fatal("expected error from a failing kernel")
	}
}

// silentRunner exits cleanly without producing any output file.
type silentRunner struct{}

func (silentRunner) Run(ctx context.Context, dir string, logw io.Writer) error { return nil }

func TestDriverRoute_missingOutput(t *testing.T) {
	dir := t.TempDir()
	p := baseParams()
	p.QoutFile = filepath.Join(dir, "Qout.nc")
	d := &Driver{Runner: silentRunner{}}
	if err := d.Route(context.Background(), dir, p, io.Discard); err == nil {
		t.Fatal("expected error when the kernel produces no discharge file")
	}
}
