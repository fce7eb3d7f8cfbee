package release

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/imroc/req"

	"github.com/aeg-devices/loki-update/pkg/errors"
)

// GitHub reads releases from the GitHub REST API or a compatible service.
type GitHub struct {
	baseURL string
	token   string
	r       *req.Req
}

// NewGitHub creates a GitHub source rooted at baseURL.
func NewGitHub(baseURL, token string, timeout time.Duration) *GitHub {
	r := req.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	}
	return &GitHub{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		r:       r,
	}
}

func (g *GitHub) header() req.Header {
	h := req.Header{
		"Accept":     "application/vnd.github+json",
		"User-Agent": "loki-update",
	}
	if g.token != "" {
		h["Authorization"] = "Bearer " + g.token
	}
	return h
}

// endpoint joins escaped path segments onto the base URL.
func (g *GitHub) endpoint(segments ...string) string {
	var b strings.Builder
	b.WriteString(g.baseURL)
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

func (g *GitHub) getJSON(ctx context.Context, step, endpoint string, v any) error {
	resp, err := g.r.Get(endpoint, g.header(), ctx)
	if err != nil {
		return &errors.RemoteServiceError{Step: step, URL: endpoint, Err: err}
	}
	status := resp.Response().StatusCode
	if status != http.StatusOK {
		slog.Error("release_service_error", "step", step, "url", endpoint, "status", status)
		return &errors.RemoteServiceError{Step: step, Status: status, URL: endpoint}
	}
	if err := resp.ToJSON(v); err != nil {
		return &errors.ParseError{What: step + " response", Err: err}
	}
	return nil
}

func (g *GitHub) ListReleases(ctx context.Context, owner, repo string) ([]Release, error) {
	var releases []Release
	if err := g.getJSON(ctx, errors.StepListReleases, g.endpoint("repos", owner, repo, "releases"), &releases); err != nil {
		return nil, err
	}
	return releases, nil
}

func (g *GitHub) GetRelease(ctx context.Context, owner, repo, tag string) (*Release, error) {
	var rel Release
	if err := g.getJSON(ctx, errors.StepGetRelease, g.endpoint("repos", owner, repo, "releases", "tags", tag), &rel); err != nil {
		return nil, err
	}
	return &rel, nil
}

func (g *GitHub) Download(ctx context.Context, asset Asset, dst io.Writer) error {
	h := g.header()
	h["Accept"] = "application/octet-stream"

	resp, err := g.r.Get(asset.URL, h, ctx)
	if err != nil {
		return &errors.RemoteServiceError{Step: errors.StepDownloadAsset, URL: asset.URL, Err: err}
	}
	body := resp.Response().Body
	defer body.Close()

	if status := resp.Response().StatusCode; status != http.StatusOK {
		slog.Error("release_service_error", "step", errors.StepDownloadAsset, "url", asset.URL, "status", status)
		return &errors.RemoteServiceError{Step: errors.StepDownloadAsset, Status: status, URL: asset.URL}
	}

	n, err := io.Copy(dst, body)
	if err != nil {
		return &errors.RemoteServiceError{Step: errors.StepDownloadAsset, URL: asset.URL, Err: err}
	}
	slog.Info("release_asset_downloaded", "asset", asset.Name, "bytes", n)
	return nil
}
