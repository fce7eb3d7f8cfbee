// Package release discovers deployable releases in remote repositories and
// downloads their boot chain assets into the staging area.
package release

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/aeg-devices/loki-update/pkg/errors"
	"github.com/aeg-devices/loki-update/pkg/model"
)

// catalogConcurrency bounds simultaneous repository queries at startup.
const catalogConcurrency = 4

// Asset is a file attached to a release.
type Asset struct {
	Name   string `json:"name"`
	URL    string `json:"browser_download_url"`
	Size   int64  `json:"size"`
	Digest string `json:"digest,omitempty"`
}

// Release is one tagged release of a repository.
type Release struct {
	TagName string  `json:"tag_name"`
	Assets  []Asset `json:"assets"`
}

// Source is a release service.
type Source interface {
	ListReleases(ctx context.Context, owner, repo string) ([]Release, error)
	GetRelease(ctx context.Context, owner, repo, tag string) (*Release, error)
	Download(ctx context.Context, asset Asset, dst io.Writer) error
}

// Repository identifies a repository as owner/name.
type Repository struct {
	Owner string
	Name  string
}

func (r Repository) String() string { return r.Owner + "/" + r.Name }

// ParseRepository parses "owner/name".
func ParseRepository(s string) (Repository, error) {
	owner, name, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return Repository{}, fmt.Errorf("invalid repository %q, expected owner/name", s)
	}
	return Repository{Owner: owner, Name: name}, nil
}

// FilterTags returns, in service order, the tags of releases whose assets
// include every required file name.
func FilterTags(releases []Release, required []string) []string {
	tags := []string{}
	for _, rel := range releases {
		names := make(map[string]bool, len(rel.Assets))
		for _, a := range rel.Assets {
			names[a.Name] = true
		}
		complete := true
		for _, want := range required {
			if !names[want] {
				complete = false
				break
			}
		}
		if complete {
			tags = append(tags, rel.TagName)
		}
	}
	return tags
}

// Catalog queries every repository concurrently and returns one entry per
// repository in input order. A repository that cannot be queried is logged
// and listed without tags.
func Catalog(ctx context.Context, src Source, repos []Repository, chain model.BootChain) []model.ReleaseCatalogEntry {
	entries := make([]model.ReleaseCatalogEntry, len(repos))

	var g errgroup.Group
	g.SetLimit(catalogConcurrency)
	for i, repo := range repos {
		g.Go(func() error {
			entry := model.ReleaseCatalogEntry{
				Repository:    repo.Name,
				Owner:         repo.Owner,
				AvailableTags: []string{},
			}
			releases, err := src.ListReleases(ctx, repo.Owner, repo.Name)
			if err != nil {
				slog.Error("release_catalog_query_failed", "repository", repo.String(), "error", err)
			} else {
				entry.AvailableTags = FilterTags(releases, chain.Names())
				slog.Info("release_catalog_loaded",
					"repository", repo.String(),
					"releases", len(releases),
					"deployable", len(entry.AvailableTags))
			}
			entries[i] = entry
			return nil
		})
	}
	_ = g.Wait()

	return entries
}

// Fetch downloads the boot chain of a tagged release into dir. The tag is
// looked up again so the asset list is current. The expected checksum of each
// file is the digest published by the service when present, otherwise the
// hash of the downloaded content.
func Fetch(ctx context.Context, src Source, repo Repository, tag string, chain model.BootChain, dir string) ([]model.StagedFile, error) {
	slog.Info("release_fetch_start", "repository", repo.String(), "tag", tag, "dir", dir)

	rel, err := src.GetRelease(ctx, repo.Owner, repo.Name, tag)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]Asset, len(rel.Assets))
	for _, a := range rel.Assets {
		byName[a.Name] = a
	}

	// Resolve every asset before downloading anything.
	assets := make([]Asset, 0, len(chain.Names()))
	for _, name := range chain.Names() {
		a, ok := byName[name]
		if !ok {
			return nil, &errors.NotFoundError{What: fmt.Sprintf("asset %s in %s@%s", name, repo, tag)}
		}
		assets = append(assets, a)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "create staging dir")
	}

	staged := make([]model.StagedFile, 0, len(assets))
	for _, a := range assets {
		sum, err := download(ctx, src, a, filepath.Join(dir, a.Name))
		if err != nil {
			slog.Error("release_asset_download_failed", "asset", a.Name, "tag", tag, "error", err)
			return nil, err
		}
		expected := sum
		if d, ok := strings.CutPrefix(a.Digest, "sha256:"); ok && d != "" {
			expected = d
		}
		staged = append(staged, model.StagedFile{Name: a.Name, ExpectedChecksum: expected})
	}

	slog.Info("release_fetch_complete", "repository", repo.String(), "tag", tag, "files", len(staged))
	return staged, nil
}

func download(ctx context.Context, src Source, a Asset, path string) (string, error) {
	f, err := os.Create(path)
	if err != nil {
		return "", errors.Wrap(err, "create asset file")
	}
	defer f.Close()

	h := sha256.New()
	if err := src.Download(ctx, a, io.MultiWriter(f, h)); err != nil {
		return "", err
	}
	if err := f.Sync(); err != nil {
		return "", errors.Wrap(err, "sync asset file")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
