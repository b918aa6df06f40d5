// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package resolver discovers the transitive closure of a set of root package
// URLs, commits every artifact to the content store and emits the lock file.
package resolver

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/caskpkg/cask/internal/archive"
	"github.com/caskpkg/cask/internal/download"
	"github.com/caskpkg/cask/internal/hash"
	"github.com/caskpkg/cask/internal/lockfile"
	"github.com/caskpkg/cask/internal/manifest"
	"github.com/caskpkg/cask/internal/store"
)

// HashMismatchError is returned when a resource's computed hash disagrees
// with the hash its package declared.
type HashMismatchError struct {
	Actual   hash.Hash
	Expected hash.Hash
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("resource with hash %s was expected to have hash %s", e.Actual, e.Expected)
}

// Resolver builds lock files from a set of root package URLs.
type Resolver struct {
	rootPackages []string
	rootSeen     map[string]struct{}

	downloader *download.Downloader
}

// New creates an empty resolver.
func New() *Resolver {
	return &Resolver{
		rootSeen:   map[string]struct{}{},
		downloader: download.New(),
	}
}

// WithPackages creates a resolver with the given root package URLs.
func WithPackages(urls []string) *Resolver {
	r := New()
	for _, url := range urls {
		r.AddPackage(url)
	}
	return r
}

// AddPackage adds a root package URL. Duplicates collapse.
func (r *Resolver) AddPackage(url string) *Resolver {
	if _, ok := r.rootSeen[url]; !ok {
		r.rootSeen[url] = struct{}{}
		r.rootPackages = append(r.rootPackages, url)
	}
	return r
}

// SetDownloader swaps the downloader, letting callers inject an HTTP client.
func (r *Resolver) SetDownloader(d *download.Downloader) *Resolver {
	r.downloader = d
	return r
}

// NormalizeURL collapses "." and ".." segments, folds duplicate and
// backslash separators and keeps the scheme intact. It is idempotent.
func NormalizeURL(url string) string {
	scheme, rest, found := strings.Cut(url, "://")
	if !found {
		scheme, rest = "", url
	}

	rest = strings.ReplaceAll(rest, "\\", "/")
	rest = strings.ReplaceAll(rest, "/./", "/")
	rest = strings.ReplaceAll(rest, "//", "/")

	parts := strings.Split(rest, "/")
	clean := make([]string, 0, len(parts))

	for i, part := range parts {
		switch {
		case part == "." || (part == "" && i > 0 && i < len(parts)-1):
			// Leftover "/./" and "//" runs collapse into one separator.
		case part == ".." && len(clean) > 0 && clean[len(clean)-1] != "..":
			clean = clean[:len(clean)-1]
		default:
			clean = append(clean, part)
		}
	}

	rest = strings.Join(clean, "/")

	if found {
		return scheme + "://" + rest
	}
	return rest
}

// uniqueKey identifies a resource for deduplication: the same URL requested
// under two formats is two resources.
type uniqueKey struct {
	url    string
	format manifest.Format
}

// deferredRef is an input/output edge waiting for its target's lock index.
type deferredRef struct {
	tempHash    hash.Hash
	name        string
	parentIndex int
	isInput     bool
}

type pendingPackage struct {
	url      string
	tempHash hash.Hash
	isRoot   bool
}

type pendingResource struct {
	tempHash hash.Hash
	rootURL  string
	info     manifest.ResourceInfo
}

type packageDownload struct {
	tempPath string
	url      string
	rootURL  string
	key      uniqueKey
	task     *download.Task
	isRoot   bool
}

type resourceDownload struct {
	tempPath string
	url      string
	key      uniqueKey
	info     manifest.ResourceInfo
	task     *download.Task
}

// build carries the state of one Build run.
type build struct {
	store      *store.Store
	downloader *download.Downloader

	packages []pendingPackage

	requestedURLs    map[uniqueKey]struct{}
	resourcesIndexes map[uniqueKey]int
	assignedHashes   map[hash.Hash]uniqueKey
	assignReferences []deferredRef

	lockResources []lockfile.Resource
	lockRoot      []uint32
	lockRootSeen  map[uint32]struct{}
}

// Build downloads the whole closure into the store, verifies declared
// hashes and produces the lock file. Any download, parse, extraction or
// hash failure aborts the entire resolve; committed store entries remain.
func (r *Resolver) Build(ctx context.Context, s *store.Store) (*lockfile.LockFile, error) {
	b := &build{
		store:            s,
		downloader:       r.downloader,
		requestedURLs:    map[uniqueKey]struct{}{},
		resourcesIndexes: map[uniqueKey]int{},
		assignedHashes:   map[hash.Hash]uniqueKey{},
		lockRootSeen:     map[uint32]struct{}{},
	}

	for _, url := range r.rootPackages {
		b.packages = append(b.packages, pendingPackage{
			url:      url,
			tempHash: hash.Rand(),
			isRoot:   true,
		})
	}

	for len(b.packages) > 0 {
		resources, err := b.processPackages(ctx)
		if err != nil {
			return nil, err
		}

		if err := b.processResources(ctx, resources); err != nil {
			return nil, err
		}
	}

	b.patchReferences()

	return &lockfile.LockFile{
		Root:      b.lockRoot,
		Resources: b.lockResources,
	}, nil
}

// processPackages drains the pending package queue: downloads every not yet
// requested manifest, ingests the results and returns the referenced
// resources to process next.
func (b *build) processPackages(ctx context.Context) ([]pendingResource, error) {
	pending := b.packages
	b.packages = nil

	var downloads []packageDownload

	for _, pkg := range pending {
		url := pkg.url
		if !strings.HasSuffix(url, "/package.json") {
			url += "/package.json"
		}
		url = NormalizeURL(url)

		key := uniqueKey{url: url, format: manifest.PackageFormat}

		// The temp hash keeps pointing at this package even when the
		// download is skipped, so deferred references still resolve.
		b.assignedHashes[pkg.tempHash] = key

		if _, ok := b.requestedURLs[key]; ok {
			continue
		}

		rootURL := strings.TrimSuffix(url, "package.json")

		tempPath := b.store.TempPath(pkg.tempHash)

		log.Debug().Str("url", url).Msg("fetching package manifest")

		task := b.downloader.DownloadWithOptions(url, tempPath, download.Options{})

		b.requestedURLs[key] = struct{}{}
		downloads = append(downloads, packageDownload{
			tempPath: tempPath,
			url:      url,
			rootURL:  rootURL,
			key:      key,
			task:     task,
			isRoot:   pkg.isRoot,
		})
	}

	if err := awaitAll(ctx, downloadTasks(downloads)); err != nil {
		return nil, err
	}

	var resources []pendingResource

	for _, dl := range downloads {
		data, err := os.ReadFile(dl.tempPath)
		if err != nil {
			return nil, err
		}

		manifestHash := hash.ForBytes(data)

		m, err := manifest.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("package %s: %w", dl.url, err)
		}

		index := len(b.lockResources)
		b.resourcesIndexes[dl.key] = index

		b.lockResources = append(b.lockResources, lockfile.Resource{
			URL:    dl.url,
			Format: manifest.PackageFormat,
			Data: lockfile.ResourceData{
				Hash: manifestHash,
				Size: uint64(len(data)),
			},
			Inputs:  make(map[string]uint32, len(m.Inputs)),
			Outputs: make(map[string]uint32, len(m.Outputs)),
		})

		if dl.isRoot {
			id := uint32(index)
			if _, ok := b.lockRootSeen[id]; !ok {
				b.lockRootSeen[id] = struct{}{}
				b.lockRoot = append(b.lockRoot, id)
			}
		}

		for name, info := range m.Inputs {
			tempHash := hash.Rand()
			b.assignReferences = append(b.assignReferences, deferredRef{tempHash, name, index, true})
			resources = append(resources, pendingResource{tempHash, dl.rootURL, info})
		}

		for name, info := range m.Outputs {
			tempHash := hash.Rand()
			b.assignReferences = append(b.assignReferences, deferredRef{tempHash, name, index, false})
			resources = append(resources, pendingResource{tempHash, dl.rootURL, info})
		}

		if err := os.Rename(dl.tempPath, b.store.Path(manifestHash)); err != nil {
			return nil, err
		}
	}

	return resources, nil
}

// processResources downloads and ingests the non-package resources of one
// wave, requeueing packages for the next outer-loop iteration.
func (b *build) processResources(ctx context.Context, resources []pendingResource) error {
	var downloads []resourceDownload

	for _, resource := range resources {
		// A declared hash that is already installed short-circuits the
		// whole resource. Packages never short-circuit: their dependency
		// edges may change upstream.
		if resource.info.Hash != nil && b.store.Has(*resource.info.Hash) {
			continue
		}

		url := resource.info.URI
		if !strings.HasPrefix(url, "http") {
			url = resource.rootURL + "/" + url
		}
		url = NormalizeURL(url)

		key := uniqueKey{url: url, format: resource.info.Format}

		b.assignedHashes[resource.tempHash] = key

		if _, ok := b.requestedURLs[key]; ok {
			continue
		}

		if resource.info.Format.Kind == manifest.KindPackage {
			b.packages = append(b.packages, pendingPackage{
				url:      url,
				tempHash: resource.tempHash,
			})
			continue
		}

		tempPath := b.store.TempPath(resource.tempHash)

		log.Debug().Str("url", url).Str("format", resource.info.Format.String()).Msg("fetching resource")

		task := b.downloader.DownloadWithOptions(url, tempPath, download.Options{})

		b.requestedURLs[key] = struct{}{}
		downloads = append(downloads, resourceDownload{
			tempPath: tempPath,
			url:      url,
			key:      key,
			info:     resource.info,
			task:     task,
		})
	}

	var tasks []*download.Task
	for _, dl := range downloads {
		tasks = append(tasks, dl.task)
	}

	if err := awaitAll(ctx, tasks); err != nil {
		return err
	}

	for _, dl := range downloads {
		var err error

		switch dl.info.Format.Kind {
		case manifest.KindFile, manifest.KindModule:
			err = b.ingestFile(dl)
		case manifest.KindArchive:
			err = b.ingestArchive(ctx, dl)
		default:
			err = fmt.Errorf("unexpected resource format %s in resource processor", dl.info.Format)
		}

		if err != nil {
			return err
		}
	}

	return nil
}

// ingestFile commits a downloaded file or module to the store.
func (b *build) ingestFile(dl resourceDownload) error {
	entryHash, err := hash.ForEntry(dl.tempPath)
	if err != nil {
		return err
	}

	finalPath := b.store.Path(entryHash)

	if err := os.Rename(dl.tempPath, finalPath); err != nil {
		return err
	}

	if dl.info.Hash != nil && *dl.info.Hash != entryHash {
		return &HashMismatchError{Actual: entryHash, Expected: *dl.info.Hash}
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return err
	}

	index := len(b.lockResources)
	b.resourcesIndexes[dl.key] = index

	b.lockResources = append(b.lockResources, lockfile.Resource{
		URL:    dl.url,
		Format: dl.info.Format,
		Data: lockfile.ResourceData{
			Hash: entryHash,
			Size: uint64(info.Size()),
		},
	})

	return nil
}

// ingestArchive extracts a downloaded archive, hashes the extracted tree,
// moves it into the store and drops the archive file.
func (b *build) ingestArchive(ctx context.Context, dl resourceDownload) error {
	extractPath := b.store.TempPath(hash.Rand())

	a, err := archive.OpenAs(dl.tempPath, urlFileName(dl.url), dl.info.Format.Archive.Probe())
	if err != nil {
		return errors.Wrapf(err, "could not open archive: %s", dl.url)
	}

	if err := a.Extract(ctx, extractPath, nil); err != nil {
		return errors.Wrapf(err, "could not extract archive: %s", dl.url)
	}

	entryHash, err := hash.ForEntry(extractPath)
	if err != nil {
		return err
	}

	finalPath := b.store.Path(entryHash)

	// A previous extraction of the same content may sit at the final path.
	if _, err := os.Stat(finalPath); err == nil {
		if err := os.RemoveAll(finalPath); err != nil {
			return err
		}
	}

	if err := os.Rename(extractPath, finalPath); err != nil {
		return err
	}

	if err := os.Remove(dl.tempPath); err != nil {
		return err
	}

	if dl.info.Hash != nil && *dl.info.Hash != entryHash {
		return &HashMismatchError{Actual: entryHash, Expected: *dl.info.Hash}
	}

	size, err := b.store.EntrySize(entryHash)
	if err != nil {
		return err
	}

	index := len(b.lockResources)
	b.resourcesIndexes[dl.key] = index

	b.lockResources = append(b.lockResources, lockfile.Resource{
		URL:    dl.url,
		Format: dl.info.Format,
		Data: lockfile.ResourceData{
			Hash: entryHash,
			Size: size,
		},
	})

	return nil
}

// patchReferences fills the input/output tables of every package now that
// all lock indexes are known. References to resources which were skipped
// (already installed) resolve to nothing, matching the skip semantics.
func (b *build) patchReferences() {
	for _, ref := range b.assignReferences {
		key, ok := b.assignedHashes[ref.tempHash]
		if !ok {
			continue
		}

		index, ok := b.resourcesIndexes[key]
		if !ok {
			continue
		}

		parent := &b.lockResources[ref.parentIndex]

		if ref.isInput {
			parent.Inputs[ref.name] = uint32(index)
		} else {
			parent.Outputs[ref.name] = uint32(index)
		}
	}
}

// urlFileName returns the last path segment of a URL.
func urlFileName(url string) string {
	if idx := strings.LastIndex(url, "/"); idx >= 0 {
		return url[idx+1:]
	}
	return url
}

func downloadTasks(downloads []packageDownload) []*download.Task {
	tasks := make([]*download.Task, 0, len(downloads))
	for _, dl := range downloads {
		tasks = append(tasks, dl.task)
	}
	return tasks
}

// awaitAll waits for every download of a wave to finish and returns the
// first error. Downloads themselves already run concurrently.
func awaitAll(ctx context.Context, tasks []*download.Task) error {
	g, _ := errgroup.WithContext(ctx)

	for _, task := range tasks {
		g.Go(func() error {
			if _, err := task.Wait(); err != nil {
				return fmt.Errorf("download %s: %w", task.URL(), err)
			}
			return nil
		})
	}

	return g.Wait()
}
