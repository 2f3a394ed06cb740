package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"go.uber.org/zap"
)

// Fetcher copies a remote model artifact to dest. Implementations must leave
// dest untouched unless the whole transfer succeeded.
type Fetcher interface {
	Fetch(ctx context.Context, src, dest string) error
}

// permanentError marks failures that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return &permanentError{err: err}
}

// NewFetcher dispatches on the source scheme: http and https are streamed
// with client, s3://bucket/key goes through the AWS downloader.
func NewFetcher(client *http.Client, awsRegion string) Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &schemeFetcher{
		http: &httpFetcher{client: client},
		s3:   &s3Fetcher{region: awsRegion},
	}
}

type schemeFetcher struct {
	http Fetcher
	s3   Fetcher
}

func (f *schemeFetcher) Fetch(ctx context.Context, src, dest string) error {
	u, err := url.Parse(src)
	if err != nil {
		return permanent(fmt.Errorf("invalid model url: %w", err))
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return f.http.Fetch(ctx, src, dest)
	case "s3":
		return f.s3.Fetch(ctx, src, dest)
	default:
		return permanent(fmt.Errorf("unsupported model url scheme %q", u.Scheme))
	}
}

type httpFetcher struct {
	client *http.Client
}

func (f *httpFetcher) Fetch(ctx context.Context, src, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return permanent(err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("unexpected status %s", resp.Status)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return permanent(err)
		}
		return err
	}

	return writeAtomically(dest, func(w *os.File) error {
		n, err := io.Copy(w, resp.Body)
		if err != nil {
			return err
		}
		if resp.ContentLength >= 0 && n != resp.ContentLength {
			return fmt.Errorf("short download: got %d of %d bytes", n, resp.ContentLength)
		}
		return nil
	})
}

type s3Fetcher struct {
	region string

	once       sync.Once
	downloader *s3manager.Downloader
	initErr    error
}

func (f *s3Fetcher) Fetch(ctx context.Context, src, dest string) error {
	bucket, key, err := parseS3URL(src)
	if err != nil {
		return permanent(err)
	}

	f.once.Do(func() {
		sess, err := session.NewSession(&aws.Config{Region: aws.String(f.region)})
		if err != nil {
			f.initErr = fmt.Errorf("failed to create aws session: %w", err)
			return
		}
		f.downloader = s3manager.NewDownloader(sess)
	})
	if f.initErr != nil {
		return f.initErr
	}

	return writeAtomically(dest, func(w *os.File) error {
		_, err := f.downloader.DownloadWithContext(ctx, w, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		return err
	})
}

func parseS3URL(src string) (bucket, key string, err error) {
	u, err := url.Parse(src)
	if err != nil {
		return "", "", fmt.Errorf("invalid s3 url: %w", err)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 url %q needs a bucket and key", src)
	}
	return bucket, key, nil
}

// writeAtomically streams into a temp file beside dest and renames it into
// place only after write and close both succeed.
func writeAtomically(dest string, write func(*os.File) error) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create model dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(dest)+".part-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move model into place: %w", err)
	}
	return nil
}

// fetchWithRetry keeps attempting the download until it succeeds, fails
// permanently, or wait elapses. The wait bounds in-flight transfers too.
func fetchWithRetry(fetcher Fetcher, src, dest string, wait, backoff time.Duration, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	start := time.Now()
	var lastErr error
	for attempt := 1; ; attempt++ {
		logger.Info("downloading model", zap.String("dest", dest), zap.Int("attempt", attempt))

		err := fetcher.Fetch(ctx, src, dest)
		if err == nil {
			if _, statErr := os.Stat(dest); statErr == nil {
				logger.Info("model downloaded", zap.Int("attempt", attempt), zap.Duration("elapsed", time.Since(start)))
				return nil
			}
			err = errors.New("download finished but artifact is missing")
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			logger.Error("model download failed permanently", zap.Error(err), zap.Int("attempt", attempt))
			return err
		}
		logger.Warn("model download attempt failed", zap.Error(err), zap.Int("attempt", attempt))

		select {
		case <-ctx.Done():
			return fmt.Errorf("gave up after %d attempts in %s: %w", attempt, wait, lastErr)
		case <-time.After(backoff):
		}
		if ctx.Err() != nil {
			return fmt.Errorf("gave up after %d attempts in %s: %w", attempt, wait, lastErr)
		}
	}
}
