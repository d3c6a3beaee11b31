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
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/gcsblob"
	"gocloud.dev/blob/s3blob"
	"gocloud.dev/gcp"
)

// releasePrefix is the common prefix of upstream runoff release
// names, e.g. "Runoff.20200101.12.exp.tar.gz".
const releasePrefix = "Runoff."

// A Source enumerates upstream runoff releases and makes them
// available as local directories of member grid files.
type Source interface {
	// List returns the available release names.
	List(ctx context.Context) ([]string, error)

	// Fetch makes the named release available locally and returns the
	// directory holding its member grid files.
	Fetch(ctx context.Context, name string) (string, error)
}

// NewSource returns a Source for the given location: a bucket URL
// (file://, gs://, or s3://) fetched into scratchDir, or a local
// directory of already extracted releases.
func NewSource(ctx context.Context, location, scratchDir string, log *logrus.Logger) (Source, error) {
	u, err := url.Parse(location)
	if err == nil && u.Scheme != "" {
		bucket, err := OpenBucket(ctx, location)
		if err != nil {
			return nil, err
		}
		prefix := strings.TrimPrefix(strings.TrimLeft(u.Path, "/"), u.Hostname())
		if u.Scheme == "file" {
			// The file bucket root already includes the whole path.
			prefix = ""
		}
		return &BucketSource{Bucket: bucket, Prefix: prefix, ScratchDir: scratchDir, Log: log}, nil
	}
	return &DirSource{Dir: location, ScratchDir: scratchDir}, nil
}

// OpenBucket returns the blob storage bucket specified by bucketName,
// where bucketName must be in the format 'provider://name' where provider
// is the name of the storage provider and name is the name of the bucket.
// The currently accepted storage providers are "file" for the local filesystem
// (e.g., for testing), "gs" for Google Cloud Storage, and "s3" for AWS S3.
func OpenBucket(ctx context.Context, bucketName string) (*blob.Bucket, error) {
	u, err := url.Parse(bucketName)
	if err != nil {
		return nil, fmt.Errorf("forecast: opening bucket %s: %v", bucketName, err)
	}
	switch u.Scheme {
	case "file":
		return fileblob.OpenBucket(u.Hostname()+u.Path, nil)
	case "gs":
		return gsBucket(ctx, u.Hostname())
	case "s3":
		return s3Bucket(ctx, u.Hostname())
	default:
		return nil, fmt.Errorf("forecast: invalid bucket provider %s", u.Scheme)
	}
}

func gsBucket(ctx context.Context, name string) (*blob.Bucket, error) {
	// See here for information on credentials:
	// https://cloud.google.com/docs/authentication/getting-started
	creds, err := gcp.DefaultCredentials(ctx)
	if err != nil {
		return nil, err
	}
	c, err := gcp.NewHTTPClient(gcp.DefaultTransport(), gcp.CredentialsTokenSource(creds))
	if err != nil {
		return nil, err
	}
	return gcsblob.OpenBucket(ctx, c, name, nil)
}

// s3Bucket opens an s3 storage bucket. It assumes the following
// environment variables are set: AWS_REGION, AWS_ACCESS_KEY_ID, and
// AWS_SECRET_ACCESS_KEY.
func s3Bucket(ctx context.Context, name string) (*blob.Bucket, error) {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-2"
	}
	c := &aws.Config{
		Region:      aws.String(region),
		Credentials: credentials.NewEnvCredentials(),
	}
	s := session.Must(session.NewSession(c))
	return s3blob.OpenBucket(ctx, s, name, nil)
}

// A DirSource serves releases from a local directory, where each
// release is either an already extracted subdirectory or a tar
// archive.
type DirSource struct {
	Dir        string
	ScratchDir string
}

func (s *DirSource) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("forecast: listing releases in %s: %v", s.Dir, err)
	}
	var o []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), releasePrefix) {
			o = append(o, e.Name())
		}
	}
	sort.Strings(o)
	return o, nil
}

func (s *DirSource) Fetch(ctx context.Context, name string) (string, error) {
	path := filepath.Join(s.Dir, name)
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("forecast: fetching release %s: %v", name, err)
	}
	if info.IsDir() {
		return path, nil
	}
	return extractArchive(path, filepath.Join(s.ScratchDir, trimArchiveExt(name)))
}

// A BucketSource serves tar-archived releases from a blob storage
// bucket, downloading and extracting them into a scratch directory.
type BucketSource struct {
	Bucket     *blob.Bucket
	Prefix     string
	ScratchDir string
	Log        *logrus.Logger
}

// Upstream transfers are flaky; downloads retry on a constant
// interval for a while before giving up.
const (
	fetchRetryInterval = 30 * time.Second
	fetchRetryCount    = 15
)

func (s *BucketSource) List(ctx context.Context) ([]string, error) {
	iter := s.Bucket.List(&blob.ListOptions{Prefix: s.Prefix + releasePrefix})
	var o []string
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("forecast: listing releases: %v", err)
		}
		o = append(o, strings.TrimPrefix(obj.Key, s.Prefix))
	}
	sort.Strings(o)
	return o, nil
}

func (s *BucketSource) Fetch(ctx context.Context, name string) (string, error) {
	archive := filepath.Join(s.ScratchDir, name)
	if err := os.MkdirAll(s.ScratchDir, os.ModePerm); err != nil {
		return "", fmt.Errorf("forecast: creating scratch directory: %v", err)
	}
	err := backoff.RetryNotify(
		func() error { return s.download(ctx, s.Prefix+name, archive) },
		backoff.WithMaxRetries(backoff.NewConstantBackOff(fetchRetryInterval), fetchRetryCount),
		func(err error, d time.Duration) {
			if s.Log != nil {
				s.Log.WithError(err).Warnf("downloading %s; retrying in %v", name, d)
			}
		},
	)
	if err != nil {
		return "", fmt.Errorf("forecast: downloading release %s: %v", name, err)
	}
	defer os.Remove(archive)
	return extractArchive(archive, filepath.Join(s.ScratchDir, trimArchiveExt(name)))
}

func (s *BucketSource) download(ctx context.Context, key, dst string) error {
	r, err := s.Bucket.NewReader(ctx, key, nil)
	if err != nil {
		return err
	}
	defer r.Close()
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func trimArchiveExt(name string) string {
	for _, ext := range []string{".tar.gz", ".tgz", ".tar"} {
		if strings.HasSuffix(name, ext) {
			return strings.TrimSuffix(name, ext)
		}
	}
	return name
}

// extractArchive unpacks a tar or tar.gz archive into dir,
// flattening any leading directory components so the member grid
// files end up directly in dir.
func extractArchive(archive, dir string) (string, error) {
	f, err := os.Open(archive)
	if err != nil {
		return "", fmt.Errorf("forecast: opening archive %s: %v", archive, err)
	}
	defer f.Close()
	var r io.Reader = f
	if strings.HasSuffix(archive, ".gz") || strings.HasSuffix(archive, ".tgz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return "", fmt.Errorf("forecast: reading archive %s: %v", archive, err)
		}
		defer gz.Close()
		r = gz
	}
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return "", fmt.Errorf("forecast: creating extraction directory: %v", err)
	}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("forecast: reading archive %s: %v", archive, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		dst := filepath.Join(dir, filepath.Base(hdr.Name))
		w, err := os.Create(dst)
		if err != nil {
			return "", fmt.Errorf("forecast: extracting %s: %v", hdr.Name, err)
		}
		if _, err := io.Copy(w, tr); err != nil {
			w.Close()
			return "", fmt.Errorf("forecast: extracting %s: %v", hdr.Name, err)
		}
		if err := w.Close(); err != nil {
			return "", fmt.Errorf("forecast: extracting %s: %v", hdr.Name, err)
		}
	}
	return dir, nil
}

// MemberFiles returns the ensemble member grid files in a release
// directory, covering both the current naming scheme
// (e.g. "52.Runoff.nc") and the legacy one
// (e.g. "full_20160209.00.1.205.runoff.grib.runoff.netcdf"), sorted
// by decreasing size so the largest member is dispatched first.
func MemberFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("forecast: listing member files in %s: %v", dir, err)
	}
	type sized struct {
		path string
		size int64
	}
	var files []sized
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.ToLower(e.Name())
		if !strings.Contains(name, "runoff") ||
			(!strings.HasSuffix(name, "nc") && !strings.HasSuffix(name, "netcdf")) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("forecast: listing member files in %s: %v", dir, err)
		}
		files = append(files, sized{path: filepath.Join(dir, e.Name()), size: info.Size()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].size > files[j].size })
	o := make([]string, len(files))
	for i, f := range files {
		o[i] = f.path
	}
	return o, nil
}
