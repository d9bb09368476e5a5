package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

var (
	// ErrUnsupportedImage indicates the asset is not a decodable image.
	ErrUnsupportedImage = errors.New("media: unsupported image")
	errMissingSource    = errors.New("media: image source required")
)

// Prober resolves the natural dimensions of an image asset.
type Prober interface {
	Dimensions(ctx context.Context, url string) (int, int, error)
}

// Opener streams an asset addressed by URL.
type Opener interface {
	Open(ctx context.Context, url string) (io.ReadCloser, error)
}

// ImageProber decodes only image headers, never the pixel data.
type ImageProber struct {
	source Opener
}

// NewImageProber constructs a prober reading assets from source.
func NewImageProber(source Opener) (*ImageProber, error) {
	if source == nil {
		return nil, errMissingSource
	}
	return &ImageProber{source: source}, nil
}

// Dimensions returns the natural width and height of the image at url.
func (p *ImageProber) Dimensions(ctx context.Context, url string) (int, int, error) {
	reader, err := p.source.Open(ctx, url)
	if err != nil {
		return 0, 0, err
	}
	defer reader.Close()
	config, _, err := image.DecodeConfig(reader)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	return config.Width, config.Height, nil
}

// LocalFirstOpener serves URLs under a local prefix from local storage and fetches the rest over HTTP.
type LocalFirstOpener struct {
	LocalPrefix string
	Local       func(ctx context.Context, objectPath string) (io.ReadCloser, error)
	HTTPClient  *http.Client
}

// Open implements Opener.
func (o LocalFirstOpener) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	if o.Local != nil && o.LocalPrefix != "" && strings.HasPrefix(url, o.LocalPrefix) {
		return o.Local(ctx, strings.TrimPrefix(url, o.LocalPrefix))
	}
	client := o.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, err
	}
	response, err := client.Do(request)
	if err != nil {
		return nil, err
	}
	if response.StatusCode != http.StatusOK {
		response.Body.Close()
		return nil, fmt.Errorf("media: fetch %s: status %d", url, response.StatusCode)
	}
	return response.Body, nil
}
