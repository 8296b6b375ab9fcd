// storage/cloud.go
// Adapted from storage/gcs.go in the bk backup tool. bk's GCS backend
// stands in for Benji's s3/b2 module names (spec.md §6's "storageModule" is
// a symbolic name resolved at startup; no S3- or B2-specific SDK appears
// anywhere in the corpus, so the cloud object-storage shape available here
// — bucket, object, range reads, resumable-free buffered uploads — is
// reused verbatim for both names. See DESIGN.md for the justification).

package storage

import (
	"bytes"
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"io/ioutil"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// CloudOptions configures a cloud-backed Backend.
type CloudOptions struct {
	BucketName string
	ProjectID  string
	// Location defaults to "us-central1" if unset.
	Location string

	// Zero means unlimited.
	MaxUploadBytesPerSecond   int
	MaxDownloadBytesPerSecond int
}

type cloudStorage struct {
	ctx    context.Context
	client *gcs.Client
	bucket *gcs.BucketHandle

	upLimit, downLimit *bandwidthLimiter
}

// NewCloud returns a Backend for the s3/b2 storage module names, backed by
// a bucket-style object store. The bucket is created if it does not exist.
func NewCloud(ctx context.Context, opt CloudOptions) (Backend, error) {
	c := &cloudStorage{
		ctx:       ctx,
		upLimit:   newBandwidthLimiter(opt.MaxUploadBytesPerSecond),
		downLimit: newBandwidthLimiter(opt.MaxDownloadBytesPerSecond),
	}

	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	c.client = client
	c.bucket = client.Bucket(opt.BucketName)

	if _, err := c.bucket.Attrs(ctx); err == gcs.ErrBucketNotExist {
		loc := opt.Location
		if loc == "" {
			loc = "us-central1"
		}
		if log != nil {
			log.Verbose("%s: creating bucket @ %s", opt.BucketName, loc)
		}
		if opt.ProjectID == "" {
			return nil, fmt.Errorf("storage: %s: bucket does not exist and no project id given", opt.BucketName)
		}
		if err := c.bucket.Create(ctx, opt.ProjectID, &gcs.BucketAttrs{Location: loc}); err != nil {
			return nil, fmt.Errorf("storage: create bucket %s: %w", opt.BucketName, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	return NewObjectBackend(c), nil
}

func (c *cloudStorage) String() string {
	attrs, err := c.bucket.Attrs(c.ctx)
	if err != nil {
		return "gs://?"
	}
	return "gs://" + attrs.Name
}

func (c *cloudStorage) ForFiles(prefix string, f func(name string, created time.Time)) error {
	it := c.bucket.Objects(c.ctx, &gcs.Query{Prefix: prefix})
	for {
		obj, err := it.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return err
		}
		f(obj.Name, obj.Created)
	}
}

func cloudRetry(name string, f func() error) error {
	const maxTries = 5
	for tries := 0; ; tries++ {
		err := f()
		if err == nil || tries == maxTries {
			return err
		}
		if log != nil {
			log.Warning("%s: retrying after error: %s", name, err.Error())
		}
		time.Sleep(time.Duration(100*(tries+1)) * time.Millisecond)
	}
}

func (c *cloudStorage) ReadFile(name string, offset, length int64) ([]byte, error) {
	obj := c.bucket.Object(name)
	var b []byte
	err := cloudRetry(name, func() error {
		var r io.ReadCloser
		var err error
		if length > 0 {
			r, err = obj.NewRangeReader(c.ctx, offset, length)
		} else {
			r, err = obj.NewReader(c.ctx)
		}
		if err == gcs.ErrObjectNotExist {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		if err != nil {
			return err
		}
		defer r.Close()
		b, err = ioutil.ReadAll(c.downLimit.reader(r))
		return err
	})
	return b, err
}

func (c *cloudStorage) DeleteFile(name string) error {
	err := c.bucket.Object(name).Delete(c.ctx)
	if err != nil && err != gcs.ErrObjectNotExist {
		return err
	}
	return nil
}

func (c *cloudStorage) CreateFile(name string) RobustWriteCloser {
	return &cloudWriter{name: name, c: c}
}

// cloudWriter buffers the whole object in memory before uploading on
// Close, the same shape as the teacher's gcsWriter, so a transient upload
// failure can be retried from scratch without re-reading the source block.
type cloudWriter struct {
	buf  bytes.Buffer
	name string
	c    *cloudStorage
}

func (w *cloudWriter) Write(b []byte) {
	w.buf.Write(b)
}

func (w *cloudWriter) Close() {
	if err := cloudRetry(w.name, func() error {
		return w.c.upload(w.name, w.buf.Bytes())
	}); err != nil {
		panic(fsPanic{err})
	}
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

func (c *cloudStorage) upload(name string, buf []byte) error {
	obj := c.bucket.Object(name)
	w := obj.NewWriter(c.ctx)
	w.ChunkSize = 256 * 1024

	r := c.upLimit.reader(bytes.NewReader(buf))
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	localCRC := crc32.Checksum(buf, castagnoliTable)
	if gotCRC := w.Attrs().CRC32C; gotCRC != localCRC {
		return fmt.Errorf("%w: %s: crc32 mismatch, local %d remote %d",
			ErrStorageIntegrity, name, localCRC, gotCRC)
	}
	return nil
}
