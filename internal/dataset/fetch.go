package dataset

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/common"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hashicorp/go-hclog"
)

// Fetcher downloads a named dataset file from a mirror.
type Fetcher interface {
	Fetch(ctx context.Context, name string, w io.Writer) error
}

// NewFetcher picks an implementation from the mirror scheme. An empty mirror
// returns nil: missing files then fail with ErrDataAccess.
func NewFetcher(ctx context.Context, mirror string) (Fetcher, error) {
	if mirror == "" {
		return nil, nil
	}

	u, err := url.Parse(mirror)
	if err != nil {
		return nil, fmt.Errorf("%w: mirror %q: %s", common.ErrConfiguration, mirror, err.Error())
	}

	switch u.Scheme {
	case "http", "https":
		return &HTTPFetcher{base: strings.TrimSuffix(mirror, "/"), client: http.DefaultClient}, nil
	case "s3":
		return NewS3Fetcher(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	default:
		return nil, fmt.Errorf("%w: unsupported mirror scheme %q", common.ErrConfiguration, u.Scheme)
	}
}

type HTTPFetcher struct {
	base   string
	client *http.Client
}

func NewHTTPFetcher(base string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{base: strings.TrimSuffix(base, "/"), client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, name string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.base+"/"+name, nil)
	if err != nil {
		return err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", req.URL, resp.Status)
	}

	_, err = io.Copy(w, resp.Body)
	return err
}

// S3Fetcher reads objects under bucket/prefix with the default AWS credential
// chain.
type S3Fetcher struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Fetcher(ctx context.Context, bucket string, prefix string) (*S3Fetcher, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load AWS config: %s", common.ErrDataAccess, err.Error())
	}

	return &S3Fetcher{
		client: s3.NewFromConfig(awsCfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

func (f *S3Fetcher) Fetch(ctx context.Context, name string, w io.Writer) error {
	resp, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(path.Join(f.prefix, name)),
	})
	if err != nil {
		return fmt.Errorf("S3 get object failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	_, err = io.Copy(w, resp.Body)
	return err
}

// ensureFile downloads name into dir unless it is already there.
func ensureFile(ctx context.Context, fetcher Fetcher, dir string, name string, logger hclog.Logger) (string, error) {
	target := filepath.Join(dir, name)
	if _, err := os.Stat(target); err == nil {
		return target, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", common.ErrDataAccess, err.Error())
	}

	if fetcher == nil {
		return "", fmt.Errorf("%w: %s is missing and no mirror is configured", common.ErrDataAccess, target)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("%w: %s", common.ErrDataAccess, err.Error())
	}

	logger.Info("Downloading dataset file", "file", name, "dir", dir)

	tmp, err := os.CreateTemp(dir, name+".part")
	if err != nil {
		return "", fmt.Errorf("%w: %s", common.ErrDataAccess, err.Error())
	}
	defer os.Remove(tmp.Name())

	if err := fetcher.Fetch(ctx, name, tmp); err != nil {
		tmp.Close()
		return "", fmt.Errorf("%w: fetch %s: %s", common.ErrDataAccess, name, err.Error())
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("%w: %s", common.ErrDataAccess, err.Error())
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("%w: %s", common.ErrDataAccess, err.Error())
	}

	return target, nil
}

// extractTarGz unpacks regular files of a .tar.gz archive under dir.
func extractTarGz(archive string, dir string) error {
	file, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("%w: %s", common.ErrDataAccess, err.Error())
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("%w: %s: %s", common.ErrDataAccess, archive, err.Error())
	}
	defer gz.Close()

	root := filepath.Clean(dir) + string(os.PathSeparator)
	reader := tar.NewReader(gz)
	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %s", common.ErrDataAccess, archive, err.Error())
		}

		target := filepath.Join(dir, header.Name)
		if !strings.HasPrefix(target, root) {
			return fmt.Errorf("%w: archive entry %q escapes %s", common.ErrDataAccess, header.Name, dir)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("%w: %s", common.ErrDataAccess, err.Error())
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("%w: %s", common.ErrDataAccess, err.Error())
			}
			out, err := os.Create(target)
			if err != nil {
				return fmt.Errorf("%w: %s", common.ErrDataAccess, err.Error())
			}
			if _, err := io.Copy(out, reader); err != nil {
				out.Close()
				return fmt.Errorf("%w: %s", common.ErrDataAccess, err.Error())
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("%w: %s", common.ErrDataAccess, err.Error())
			}
		}
	}
}
