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

	"github.com/ctessum/cdf"
)

// readFloat64s reads the variable v between the inclusive index
// vectors begin and end (or the whole variable if both are nil) and
// converts the result to float64.
func readFloat64s(f *cdf.File, v string, begin, end []int) ([]float64, error) {
	r := f.Reader(v, begin, end)
	buf := r.Zero(-1)
	if _, err := r.Read(buf); err != nil {
		return nil, fmt.Errorf("streamcast: reading variable %s: %v", v, err)
	}
	o := toFloat64s(buf)
	if o == nil {
		return nil, fmt.Errorf("streamcast: variable %s has unsupported type %T", v, buf)
	}
	return o, nil
}

// readInt32s is like readFloat64s but converts to int32.
func readInt32s(f *cdf.File, v string, begin, end []int) ([]int32, error) {
	vals, err := readFloat64s(f, v, begin, end)
	if err != nil {
		return nil, err
	}
	o := make([]int32, len(vals))
	for i, val := range vals {
		o[i] = int32(val)
	}
	return o, nil
}

func toFloat64s(buf interface{}) []float64 {
	switch b := buf.(type) {
	case []float64:
		return b
	case []float32:
		o := make([]float64, len(b))
		for i, v := range b {
			o[i] = float64(v)
		}
		return o
	case []int32:
		o := make([]float64, len(b))
		for i, v := range b {
			o[i] = float64(v)
		}
		return o
	case []int16:
		o := make([]float64, len(b))
		for i, v := range b {
			o[i] = float64(v)
		}
		return o
	default:
		return nil
	}
}

// hasVariable reports whether the file defines a variable named v.
func hasVariable(f *cdf.File, v string) bool {
	for _, name := range f.Header.Variables() {
		if name == v {
			return true
		}
	}
	return false
}

// attributeString returns the attribute a of variable v as a string,
// or "" if it is absent or not a character attribute.
func attributeString(f *cdf.File, v, a string) string {
	switch val := f.Header.GetAttribute(v, a).(type) {
	case string:
		return val
	case []uint8:
		return string(val)
	default:
		return ""
	}
}
