package fetch

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/simple-container-com/go-aws-lambda-sdk/pkg/util/retry"
)

// Client downloads generated images from the URLs the provider returns.
type Client interface {
	Download(ctx context.Context, url string) ([]byte, error)
	SaveTo(ctx context.Context, url, fileName string) error
}

type Option func(f *httpFetcher)

func WithMaxRetries(maxRetries int) Option {
	return func(f *httpFetcher) {
		f.maxRetries = maxRetries
	}
}

func NewClient(timeout time.Duration, opts ...Option) Client {
	f := &httpFetcher{
		httpClient: &http.Client{Timeout: lo.If(timeout > 0, timeout).Else(30 * time.Second)},
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

type httpFetcher struct {
	httpClient *http.Client
	maxRetries int
}

func (f *httpFetcher) Download(ctx context.Context, url string) ([]byte, error) {
	res, err := retry.With(retry.Config[[]byte]{
		AttemptErrorCallback: func(i int, err error) {
			time.Sleep(200 * time.Millisecond)
		},
		Action: func() ([]byte, error) {
			return f.fetchOnce(ctx, url)
		},
		MaxRetries: f.maxRetries,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to download image from %s", url)
	}
	return lo.FromPtr(res), nil
}

func (f *httpFetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to init request for image")
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch image")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("failed to fetch image: status code %d", resp.StatusCode)
	}
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, errors.Wrapf(err, "failed to read image body")
	}
	return buf.Bytes(), nil
}

func (f *httpFetcher) SaveTo(ctx context.Context, url, fileName string) error {
	data, err := f.Download(ctx, url)
	if err != nil {
		return err
	}
	if err := os.WriteFile(fileName, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to save image to %s", fileName)
	}
	return nil
}
