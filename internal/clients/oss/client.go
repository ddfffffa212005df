// Package oss renders frames and stores manifests on Aliyun Object Storage.
package oss

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"

	"github.com/kaiwen1281/MOSSAI/internal/domain"
	"github.com/kaiwen1281/MOSSAI/internal/extraction"
)

const (
	// DefaultURLExpiry is how long signed frame and manifest URLs stay valid.
	DefaultURLExpiry = 24 * time.Hour

	snapshotProcess = "video/snapshot,t_%d,f_jpg,w_1280,m_fast"
	imageProcess    = "image/resize,m_lfit,w_1280,h_1280/quality,q_90"
)

// bucket is the subset of *oss.Bucket used here.
type bucket interface {
	SignURL(objectKey string, method oss.HTTPMethod, expiredInSec int64, options ...oss.Option) (string, error)
	PutObject(objectKey string, reader io.Reader, options ...oss.Option) error
}

// Config holds bucket credentials.
type Config struct {
	Endpoint        string
	AccessKeyID     string
	AccessKeySecret string
	Bucket          string
	URLExpiry       time.Duration
}

// Client implements extraction.Transformer and extraction.ManifestSink.
type Client struct {
	bucket bucket
	expiry time.Duration
	logger *slog.Logger
}

var (
	_ extraction.Transformer  = (*Client)(nil)
	_ extraction.ManifestSink = (*Client)(nil)
)

// New connects to the configured bucket.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	cl, err := oss.New(cfg.Endpoint, cfg.AccessKeyID, cfg.AccessKeySecret)
	if err != nil {
		return nil, fmt.Errorf("oss client: %w", err)
	}
	b, err := cl.Bucket(cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("oss bucket %s: %w", cfg.Bucket, err)
	}
	return newClient(b, cfg.URLExpiry, logger), nil
}

func newClient(b bucket, expiry time.Duration, logger *slog.Logger) *Client {
	if expiry <= 0 {
		expiry = DefaultURLExpiry
	}
	return &Client{bucket: b, expiry: expiry, logger: logger}
}

// Snapshots signs one on-the-fly snapshot URL per interval step in
// [0, duration).
func (c *Client) Snapshots(ctx context.Context, media domain.MediaInfo, interval time.Duration) ([]string, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("oss snapshots: interval must be positive, got %s", interval)
	}
	key, err := ObjectKey(media.AssetURL)
	if err != nil {
		return nil, err
	}

	step := interval.Seconds()
	n := int(math.Ceil(media.DurationSeconds / step))
	urls := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ms := int64(math.Round(float64(i) * step * 1000))
		u, err := c.sign(key, oss.Process(fmt.Sprintf(snapshotProcess, ms)))
		if err != nil {
			return nil, fmt.Errorf("sign snapshot at %dms: %w", ms, err)
		}
		urls = append(urls, u)
	}
	return urls, nil
}

// ImageURL signs a resized rendition of an image asset.
func (c *Client) ImageURL(_ context.Context, media domain.MediaInfo) (string, error) {
	key, err := ObjectKey(media.AssetURL)
	if err != nil {
		return "", err
	}
	u, err := c.sign(key, oss.Process(imageProcess))
	if err != nil {
		return "", fmt.Errorf("sign image %s: %w", key, err)
	}
	return u, nil
}

// Save writes the manifest as index.json next to the owner's other frame
// manifests and returns a signed URL to it.
func (c *Client) Save(ctx context.Context, m extraction.Manifest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	body, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	key := ManifestKey(m.BrandName, m.OwnerID, m.CreatedAt)
	if err := c.bucket.PutObject(key, bytes.NewReader(body), oss.ContentType("application/json")); err != nil {
		return "", domain.Transient("oss.PutObject", err)
	}
	u, err := c.bucket.SignURL(key, oss.HTTPGet, int64(c.expiry.Seconds()))
	if err != nil {
		return "", fmt.Errorf("sign manifest %s: %w", key, err)
	}
	c.logger.Debug("manifest stored", slog.String("key", key), slog.Int("frames", len(m.Frames)))
	return u, nil
}

func (c *Client) sign(key string, process oss.Option) (string, error) {
	return c.bucket.SignURL(key, oss.HTTPGet, int64(c.expiry.Seconds()),
		process, oss.ResponseContentDisposition("inline"))
}

// ManifestKey is {brand}/{YYYY-MM}/video_frames/{owner}/index.json.
func ManifestKey(brand, owner string, at time.Time) string {
	return fmt.Sprintf("%s/%s/video_frames/%s/index.json", brand, at.UTC().Format("2006-01"), owner)
}

// ObjectKey extracts the object key from an oss:// or bucket-domain URL.
func ObjectKey(assetURL string) (string, error) {
	if assetURL == "" {
		return "", fmt.Errorf("oss: media has no stored asset")
	}
	u, err := url.Parse(assetURL)
	if err != nil {
		return "", fmt.Errorf("oss: parse asset url: %w", err)
	}
	var key string
	switch {
	case u.Scheme == "oss":
		key = u.Path
	case strings.HasSuffix(u.Host, "aliyuncs.com"):
		key = u.EscapedPath()
		if k, err := url.PathUnescape(key); err == nil {
			key = k
		}
	default:
		return "", fmt.Errorf("oss: unsupported asset url %q", assetURL)
	}
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", fmt.Errorf("oss: asset url %q has no object key", assetURL)
	}
	return key, nil
}
