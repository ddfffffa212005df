// Package ice adapts Aliyun Intelligent Media Services to the media registry
// and snapshot job collaborators.
package ice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	openapi "github.com/alibabacloud-go/darabonba-openapi/v2/client"
	ice "github.com/alibabacloud-go/ice-20201109/v2/client"
	"github.com/alibabacloud-go/tea/tea"

	"github.com/kaiwen1281/MOSSAI/internal/domain"
	"github.com/kaiwen1281/MOSSAI/internal/extraction"
)

// api is the subset of the ICE SDK client used here.
type api interface {
	GetMediaInfo(request *ice.GetMediaInfoRequest) (*ice.GetMediaInfoResponse, error)
	SubmitSnapshotJob(request *ice.SubmitSnapshotJobRequest) (*ice.SubmitSnapshotJobResponse, error)
	GetSnapshotJob(request *ice.GetSnapshotJobRequest) (*ice.GetSnapshotJobResponse, error)
	GetSnapshotUrls(request *ice.GetSnapshotUrlsRequest) (*ice.GetSnapshotUrlsResponse, error)
}

// Config holds ICE credentials and endpoint.
type Config struct {
	AccessKeyID     string
	AccessKeySecret string
	Region          string
	Endpoint        string
}

// Client implements extraction.Registry and extraction.SnapshotJobs.
type Client struct {
	api    api
	logger *slog.Logger
}

var (
	_ extraction.Registry     = (*Client)(nil)
	_ extraction.SnapshotJobs = (*Client)(nil)
)

// New builds an ICE client. The endpoint defaults to ice.<region>.aliyuncs.com.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("ice.%s.aliyuncs.com", cfg.Region)
	}
	sdk, err := ice.NewClient(&openapi.Config{
		AccessKeyId:     tea.String(cfg.AccessKeyID),
		AccessKeySecret: tea.String(cfg.AccessKeySecret),
		RegionId:        tea.String(cfg.Region),
		Endpoint:        tea.String(endpoint),
	})
	if err != nil {
		return nil, fmt.Errorf("ice client: %w", err)
	}
	return &Client{api: sdk, logger: logger}, nil
}

// Resolve fetches duration, resolution and the stored asset location.
func (c *Client) Resolve(ctx context.Context, ref string) (domain.MediaInfo, error) {
	if err := ctx.Err(); err != nil {
		return domain.MediaInfo{}, err
	}
	resp, err := c.api.GetMediaInfo(&ice.GetMediaInfoRequest{MediaId: tea.String(ref)})
	if err != nil {
		if isTransient(err) {
			return domain.MediaInfo{}, domain.Transient("ice.GetMediaInfo", err)
		}
		return domain.MediaInfo{}, &domain.MediaNotFoundError{MediaRef: ref, Err: err}
	}
	if resp == nil || resp.Body == nil || resp.Body.MediaInfo == nil {
		return domain.MediaInfo{}, &domain.MediaNotFoundError{MediaRef: ref}
	}

	mi := resp.Body.MediaInfo
	info := domain.MediaInfo{Ref: ref}
	if mi.MediaBasicInfo != nil {
		info.Title = tea.StringValue(mi.MediaBasicInfo.Title)
	}
	if len(mi.FileInfoList) > 0 && mi.FileInfoList[0] != nil && mi.FileInfoList[0].FileBasicInfo != nil {
		fb := mi.FileInfoList[0].FileBasicInfo
		info.DurationSeconds, _ = strconv.ParseFloat(tea.StringValue(fb.Duration), 64)
		info.Format = tea.StringValue(fb.FormatName)
		info.AssetURL = tea.StringValue(fb.FileUrl)
		if w, h := tea.StringValue(fb.Width), tea.StringValue(fb.Height); w != "" && h != "" && w != "0" {
			info.Resolution = w + "x" + h
		}
	}
	c.logger.Debug("media resolved",
		slog.String("media_ref", ref),
		slog.Float64("duration", info.DurationSeconds),
		slog.String("resolution", info.Resolution),
	)
	return info, nil
}

// Submit starts a template-driven snapshot job writing back to the same media.
func (c *Client) Submit(ctx context.Context, media domain.MediaInfo, templateID string, count int) (string, error) {
	if templateID == "" {
		return "", errors.New("ice: snapshot template id not configured")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	resp, err := c.api.SubmitSnapshotJob(&ice.SubmitSnapshotJobRequest{
		Input:  &ice.SubmitSnapshotJobRequestInput{Type: tea.String("Media"), Media: tea.String(media.Ref)},
		Output: &ice.SubmitSnapshotJobRequestOutput{Type: tea.String("Media"), Media: tea.String(media.Ref)},
		TemplateConfig: &ice.SubmitSnapshotJobRequestTemplateConfig{
			TemplateId: tea.String(templateID),
			OverwriteParams: &ice.SubmitSnapshotJobRequestTemplateConfigOverwriteParams{
				Count: tea.Int64(int64(count)),
			},
		},
	})
	if err != nil {
		return "", wrap("ice.SubmitSnapshotJob", err)
	}
	if resp == nil || resp.Body == nil || tea.StringValue(resp.Body.JobId) == "" {
		return "", errors.New("ice.SubmitSnapshotJob: no job id returned")
	}
	return tea.StringValue(resp.Body.JobId), nil
}

// Poll maps the job status onto running, success or failure.
func (c *Client) Poll(ctx context.Context, jobID string) (extraction.JobStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	resp, err := c.api.GetSnapshotJob(&ice.GetSnapshotJobRequest{JobId: tea.String(jobID)})
	if err != nil {
		return "", wrap("ice.GetSnapshotJob", err)
	}
	if resp == nil || resp.Body == nil || resp.Body.SnapshotJob == nil {
		return extraction.JobRunning, nil
	}
	return MapStatus(tea.StringValue(resp.Body.SnapshotJob.Status)), nil
}

// ListResults returns one page of snapshot URLs.
func (c *Client) ListResults(ctx context.Context, jobID string, page, pageSize int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := c.api.GetSnapshotUrls(&ice.GetSnapshotUrlsRequest{
		JobId:      tea.String(jobID),
		PageNumber: tea.Int32(int32(page)),
		PageSize:   tea.Int32(int32(pageSize)),
	})
	if err != nil {
		return nil, wrap("ice.GetSnapshotUrls", err)
	}
	if resp == nil || resp.Body == nil {
		return nil, nil
	}
	urls := make([]string, 0, len(resp.Body.SnapshotUrls))
	for _, u := range resp.Body.SnapshotUrls {
		if s := strings.TrimSpace(tea.StringValue(u)); s != "" {
			urls = append(urls, s)
		}
	}
	return urls, nil
}

// MapStatus folds ICE job states into the three the poll loop cares about.
func MapStatus(status string) extraction.JobStatus {
	switch status {
	case "Success":
		return extraction.JobSuccess
	case "Failed", "Stop", "Cancel":
		return extraction.JobFailure
	default:
		return extraction.JobRunning
	}
}

func wrap(op string, err error) error {
	if isTransient(err) {
		return domain.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isTransient treats throttling, server errors and transport failures as
// retryable. SDK errors carrying a 4xx status are not.
func isTransient(err error) bool {
	var sdkErr *tea.SDKError
	if !errors.As(err, &sdkErr) {
		return true
	}
	code := tea.IntValue(sdkErr.StatusCode)
	if code == 0 {
		return true
	}
	if strings.HasPrefix(tea.StringValue(sdkErr.Code), "Throttling") {
		return true
	}
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
