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
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spatialmodel/streamcast"
	"gocloud.dev/blob"
)

// Publish uploads one region-cycle's output directory to the given
// bucket as <region>/<cycle>.tar.gz.
func Publish(ctx context.Context, bucketURL string, region streamcast.Region, cycle streamcast.Cycle, outputDir string) error {
	bucket, err := OpenBucket(ctx, bucketURL)
	if err != nil {
		return err
	}
	key := filepath.ToSlash(filepath.Join(region.Name(), cycle.DirName()+".tar.gz"))
	w, err := bucket.NewWriter(ctx, key, &blob.WriterOptions{})
	if err != nil {
		return fmt.Errorf("forecast: creating writer for blob %s: %v", key, err)
	}
	if err := tarDir(outputDir, w); err != nil {
		w.Close()
		return fmt.Errorf("forecast: archiving %s: %v", outputDir, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("forecast: writing blob %s: %v", key, err)
	}
	return nil
}

// tarDir writes the regular files directly inside dir to w as a
// gzipped tar archive.
func tarDir(dir string, w io.Writer) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = e.Name()
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(filepath.Join(dir, e.Name()))
		if err != nil {
			return err
		}
		if _, err := io.Copy(tw, f); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}
