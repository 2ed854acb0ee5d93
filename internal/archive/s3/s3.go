/*
dkimmsg - DKIM signing and submission of email messages.
Copyright © 2019-2026 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/foxcpp/dkimmsg/framework/config"
	"github.com/foxcpp/dkimmsg/framework/log"
	"github.com/foxcpp/dkimmsg/internal/archive"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const modName = "archive.s3"

const (
	credsTypeFileMinio = "file_minio"
	credsTypeFileAWS   = "file_aws"
	credsTypeAccessKey = "access_key"
	credsTypeIAM       = "iam"
	credsTypeDefault   = credsTypeAccessKey
)

// Smallest part size accepted by minio-go, used for uploads of unknown
// size.
const minPartSize = 5 * 1024 * 1024

type Store struct {
	log log.Logger

	endpoint string
	cl       *minio.Client

	bucketName   string
	objectPrefix string
}

var _ archive.Store = &Store{}

func New() *Store {
	return &Store{log: log.Logger{Name: modName}}
}

func (s *Store) Init(cfg *config.Map) error {
	var (
		secure          bool
		accessKeyID     string
		secretAccessKey string
		credsType       string
		location        string
	)
	cfg.Bool("debug", true, false, &s.log.Debug)
	cfg.String("endpoint", false, true, "", &s.endpoint)
	cfg.Bool("secure", false, true, &secure)
	cfg.String("access_key", false, false, "", &accessKeyID)
	cfg.String("secret_key", false, false, "", &secretAccessKey)
	cfg.String("bucket", false, true, "", &s.bucketName)
	cfg.String("region", false, false, "", &location)
	cfg.String("object_prefix", false, false, "", &s.objectPrefix)
	cfg.Enum("creds", false, false,
		[]string{credsTypeFileMinio, credsTypeFileAWS, credsTypeAccessKey, credsTypeIAM},
		credsTypeDefault, &credsType)

	if _, err := cfg.Process(); err != nil {
		return err
	}
	if s.endpoint == "" {
		return fmt.Errorf("%s: endpoint not set", modName)
	}

	var creds *credentials.Credentials
	switch credsType {
	case credsTypeFileMinio:
		creds = credentials.NewFileMinioClient("", "")
	case credsTypeFileAWS:
		creds = credentials.NewFileAWSCredentials("", "")
	case credsTypeIAM:
		creds = credentials.NewIAM("")
	default:
		if accessKeyID == "" || secretAccessKey == "" {
			return fmt.Errorf("%s: access_key and secret_key are required", modName)
		}
		creds = credentials.NewStaticV4(accessKeyID, secretAccessKey, "")
	}

	cl, err := minio.New(s.endpoint, &minio.Options{
		Creds:  creds,
		Secure: secure,
		Region: location,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", modName, err)
	}

	s.cl = cl
	return nil
}

type s3blob struct {
	pw      *io.PipeWriter
	didSync bool
	errCh   chan error
}

// Sync waits for the upload to finish. The upload result is reported here
// instead of in Close since callers may ignore Close errors.
func (b *s3blob) Sync() error {
	if b.didSync {
		panic("archive.s3: Sync called twice for a blob object")
	}

	b.pw.Close()
	b.didSync = true
	return <-b.errCh
}

func (b *s3blob) Write(p []byte) (n int, err error) {
	return b.pw.Write(p)
}

func (b *s3blob) Close() error {
	if !b.didSync {
		b.pw.CloseWithError(errors.New("archive.s3: blob closed without Sync"))
		<-b.errCh
	}
	return nil
}

func (s *Store) Create(ctx context.Context, key string, blobSize int64) (archive.Blob, error) {
	pr, pw := io.Pipe()
	errCh := make(chan error, 1)

	go func() {
		opts := minio.PutObjectOptions{ContentType: "message/rfc822"}
		if blobSize == archive.UnknownBlobSize {
			// Otherwise minio-go allocates a buffer for the largest part
			// possible.
			opts.PartSize = minPartSize
			// Multipart parts go with an unsigned payload. Over plain HTTP
			// they would be sent aws-chunked, which not every S3
			// implementation decodes for UploadPart.
			opts.DisableContentSha256 = true
		}
		_, err := s.cl.PutObject(ctx, s.bucketName, s.objectPrefix+key, pr, blobSize, opts)
		if err != nil {
			err = fmt.Errorf("%s: PutObject: %w", modName, err)
			pr.CloseWithError(err)
		}
		errCh <- err
	}()

	return &s3blob{
		pw:    pw,
		errCh: errCh,
	}, nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey"
}

func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.cl.GetObject(ctx, s.bucketName, s.objectPrefix+key, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, archive.ErrNoSuchBlob
		}
		return nil, err
	}
	// GetObject is lazy, missing objects are reported by the first request.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNotFound(err) {
			return nil, archive.ErrNoSuchBlob
		}
		return nil, err
	}
	return obj, nil
}

func (s *Store) Delete(ctx context.Context, keys []string) error {
	var lastErr error
	for _, k := range keys {
		err := s.cl.RemoveObject(ctx, s.bucketName, s.objectPrefix+k, minio.RemoveObjectOptions{})
		if err != nil && !isNotFound(err) {
			s.log.Error("failed to delete object", err, "key", s.objectPrefix+k)
			lastErr = err
		}
	}
	return lastErr
}
