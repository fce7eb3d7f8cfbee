package release

import (
	"context"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/aeg-devices/loki-update/pkg/errors"
	"github.com/aeg-devices/loki-update/pkg/storage"
)

// Mirror serves releases from a bucket laid out as owner/repo/tag/asset.
// Tags are listed newest first by reverse lexical order.
type Mirror struct {
	client *storage.Client
}

// NewMirror creates a mirror source.
func NewMirror(client *storage.Client) *Mirror {
	return &Mirror{client: client}
}

func (m *Mirror) ListReleases(ctx context.Context, owner, repo string) ([]Release, error) {
	prefix := owner + "/" + repo + "/"
	objs, err := m.client.List(ctx, prefix)
	if err != nil {
		return nil, &errors.RemoteServiceError{Step: errors.StepListReleases, URL: m.client.URL(prefix), Err: err}
	}

	byTag := map[string]*Release{}
	for _, o := range objs {
		tag, name, ok := strings.Cut(strings.TrimPrefix(o.Key, prefix), "/")
		if !ok || name == "" || strings.Contains(name, "/") {
			continue
		}
		rel, ok := byTag[tag]
		if !ok {
			rel = &Release{TagName: tag}
			byTag[tag] = rel
		}
		rel.Assets = append(rel.Assets, Asset{Name: name, URL: o.Key, Size: o.Size})
	}

	tags := make([]string, 0, len(byTag))
	for tag := range byTag {
		tags = append(tags, tag)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(tags)))

	releases := make([]Release, 0, len(tags))
	for _, tag := range tags {
		releases = append(releases, *byTag[tag])
	}
	return releases, nil
}

// GetRelease lists the assets of one tag. Digests published as object
// metadata are reported as "sha256:<hex>".
func (m *Mirror) GetRelease(ctx context.Context, owner, repo, tag string) (*Release, error) {
	prefix := path.Join(owner, repo, tag) + "/"
	objs, err := m.client.List(ctx, prefix)
	if err != nil {
		return nil, &errors.RemoteServiceError{Step: errors.StepGetRelease, URL: m.client.URL(prefix), Err: err}
	}
	if len(objs) == 0 {
		return nil, &errors.RemoteServiceError{Step: errors.StepGetRelease, Status: http.StatusNotFound, URL: m.client.URL(prefix)}
	}

	rel := &Release{TagName: tag}
	for _, o := range objs {
		name := strings.TrimPrefix(o.Key, prefix)
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		asset := Asset{Name: name, URL: o.Key, Size: o.Size}
		st, err := m.client.Stat(ctx, o.Key)
		if err != nil {
			return nil, &errors.RemoteServiceError{Step: errors.StepGetRelease, URL: m.client.URL(o.Key), Err: err}
		}
		if st.SHA256 != "" {
			asset.Digest = "sha256:" + st.SHA256
		}
		rel.Assets = append(rel.Assets, asset)
	}
	return rel, nil
}

func (m *Mirror) Download(ctx context.Context, asset Asset, dst io.Writer) error {
	if _, err := m.client.Download(ctx, asset.URL, dst); err != nil {
		status := 0
		var nf *errors.NotFoundError
		if errors.As(err, &nf) {
			status = http.StatusNotFound
		}
		return &errors.RemoteServiceError{Step: errors.StepDownloadAsset, Status: status, URL: m.client.URL(asset.URL), Err: err}
	}
	return nil
}
