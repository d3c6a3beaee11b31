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
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// logPrepend is the prefix of controller log file names.
const logPrepend = "streamcast_ecmwf_"

// mainLogLayout is the timestamp format in controller log file names.
const mainLogLayout = "060102150405"

// Retention windows for routing kernel logs and controller logs.
const (
	subprocessLogRetention = 3 * 24 * time.Hour
	mainLogRetention       = 7 * 24 * time.Hour
)

// MainLogName returns the controller log file name for a run started
// at t, e.g. "streamcast_ecmwf_200101120000.log".
func MainLogName(t time.Time) string {
	return logPrepend + t.UTC().Format(mainLogLayout) + ".log"
}

// JobLogName returns the routing kernel log file name for one
// ensemble member run.
func JobLogName(c Cycle, r Region, member int) string {
	return fmt.Sprintf("job_%s_%s_%s_%d.log", c.DirName(), r.Watershed, r.Subbasin, member)
}

// CleanLogs removes aged log files: per-cycle routing kernel log
// directories under subprocessDir older than three days, and
// controller logs under mainDir older than seven days. The log file
// named current is never removed. Files whose names do not parse are
// left alone.
func CleanLogs(subprocessDir, mainDir, current string, now time.Time) {
	entries, err := os.ReadDir(subprocessDir)
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			t, err := time.Parse(folderLayout, e.Name())
			if err != nil {
				continue
			}
			if now.Sub(t) > subprocessLogRetention {
				dir := filepath.Join(subprocessDir, e.Name())
				if err := os.RemoveAll(dir); err != nil {
					log.Printf("streamcast: removing aged log directory %s: %v", dir, err)
				}
			}
		}
	}
	entries, err = os.ReadDir(mainDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == current || !strings.HasPrefix(name, logPrepend) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, logPrepend), ".log")
		t, err := time.Parse(mainLogLayout, stamp)
		if err != nil {
			continue
		}
		if now.Sub(t) > mainLogRetention {
			file := filepath.Join(mainDir, name)
			if err := os.Remove(file); err != nil {
				log.Printf("streamcast: removing aged log file %s: %v", file, err)
			}
		}
	}
}
