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
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrLockHeld is returned when another forecast process holds the
// pipeline lock.
var ErrLockHeld = errors.New("streamcast: another forecast process is running")

// LockInfo is the persistent state of the pipeline lock file: whether
// a controller run is in progress, and the watermark of the newest
// forecast cycle that has been fully processed.
type LockInfo struct {
	Running          bool   `json:"running"`
	LastForecastDate string `json:"last_forecast_date"`
}

// zeroWatermark is the watermark recorded before any cycle has been
// processed.
const zeroWatermark = "1970010100"

// ReadLockInfo reads the lock file at path. A missing file yields an
// idle lock with the zero watermark; a file that cannot be parsed is
// an error, since guessing at the watermark could reprocess or skip
// cycles.
func ReadLockInfo(path string) (LockInfo, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return LockInfo{Running: false, LastForecastDate: zeroWatermark}, nil
	}
	if err != nil {
		return LockInfo{}, fmt.Errorf("streamcast: reading lock file: %v", err)
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return LockInfo{}, fmt.Errorf("streamcast: parsing lock file %s: %v", path, err)
	}
	if info.LastForecastDate == "" {
		info.LastForecastDate = zeroWatermark
	}
	return info, nil
}

// WriteLockInfo writes the lock file at path.
func WriteLockInfo(path string, info LockInfo) error {
	data, err := json.MarshalIndent(info, "", "    ")
	if err != nil {
		return fmt.Errorf("streamcast: encoding lock file: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("streamcast: writing lock file %s: %v", path, err)
	}
	return nil
}

// AcquireLock transitions the lock file to running, preserving the
// stored watermark, and returns that watermark. It returns
// ErrLockHeld if another process has the lock.
func AcquireLock(path string) (Cycle, error) {
	info, err := ReadLockInfo(path)
	if err != nil {
		return Cycle{}, err
	}
	if info.Running {
		return Cycle{}, ErrLockHeld
	}
	watermark, err := ParseWatermark(info.LastForecastDate)
	if err != nil {
		return Cycle{}, err
	}
	info.Running = true
	if err := WriteLockInfo(path, info); err != nil {
		return Cycle{}, err
	}
	return watermark, nil
}

// ReleaseLock transitions the lock file to idle, recording watermark
// as the newest fully processed cycle.
func ReleaseLock(path string, watermark Cycle) error {
	return WriteLockInfo(path, LockInfo{Running: false, LastForecastDate: watermark.Watermark()})
}

// UpdateWatermark records watermark while keeping the lock held.
func UpdateWatermark(path string, watermark Cycle) error {
	return WriteLockInfo(path, LockInfo{Running: true, LastForecastDate: watermark.Watermark()})
}

// Unlock forces the lock file to idle without touching the
// watermark, for recovery after a crashed controller.
func Unlock(path string) error {
	info, err := ReadLockInfo(path)
	if err != nil {
		return err
	}
	info.Running = false
	return WriteLockInfo(path, info)
}
