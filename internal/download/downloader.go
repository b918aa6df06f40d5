// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package download implements resumable HTTP downloads with progress
// reporting and cooperative abort.
package download

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog/log"
)

const chunkSize = 64 * 1024

// Options controls a single download task.
type Options struct {
	// ContinueDownload appends to an existing output file using a ranged
	// request instead of truncating it. Enabled by default.
	ContinueDownload bool

	// OnUpdate runs after every chunk with (current, total, diff).
	OnUpdate func(current, total, diff uint64)

	// OnFinish runs once after the last byte is flushed to disk.
	OnFinish func(total uint64)
}

// DefaultOptions resume by default and report nothing.
func DefaultOptions() Options {
	return Options{ContinueDownload: true}
}

// Downloader starts download tasks over a shared HTTP client. The client is
// injected so that tests and the resolver can own its lifecycle.
type Downloader struct {
	client *http.Client
}

// New creates a downloader with a dedicated HTTP client.
func New() *Downloader {
	return NewWithClient(&http.Client{Timeout: 0})
}

// NewWithClient creates a downloader over an existing HTTP client.
func NewWithClient(client *http.Client) *Downloader {
	return &Downloader{client: client}
}

// Download starts a task with default options.
func (d *Downloader) Download(url, output string) *Task {
	return d.DownloadWithOptions(url, output, DefaultOptions())
}

// DownloadWithOptions starts a download task. The call returns immediately;
// use Task.Wait to block until the file is fully committed to disk.
func (d *Downloader) DownloadWithOptions(url, output string, options Options) *Task {
	task := &Task{
		url:  url,
		done: make(chan struct{}),
	}

	go func() {
		defer close(task.done)
		task.total.Store(0)

		total, err := d.run(url, output, options, task)
		task.result = total
		task.err = err
	}()

	return task
}

func (d *Downloader) run(url, output string, options Options, task *Task) (uint64, error) {
	flags := os.O_RDWR | os.O_CREATE
	if !options.ContinueDownload {
		flags |= os.O_TRUNC
	}

	file, err := os.OpenFile(output, flags, 0o644)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, err
	}

	downloaded := uint64(info.Size())
	task.current.Store(downloaded)

	if _, err := file.Seek(int64(downloaded), io.SeekStart); err != nil {
		return 0, err
	}

	writer := bufio.NewWriter(file)

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", downloaded))

	var resp *http.Response

	// Transport failures retry; HTTP status handling happens below.
	err = retry.Do(
		func() error {
			resp, err = d.client.Do(req)
			return err
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	// HTTP 416 means the requested range starts past the end of the
	// content: the file is already complete.
	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		task.total.Store(downloaded)
		return downloaded, nil
	}

	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("download %s: unexpected status %s", url, resp.Status)
	}

	if resp.ContentLength > 0 {
		// On a resumed request Content-Length covers the remaining bytes.
		task.total.Store(downloaded + uint64(resp.ContentLength))
	}

	// Content-Range: bytes <from>-<to>/<size> or bytes */<size>. The "*"
	// form means the download already finished.
	if contentRange := resp.Header.Get("Content-Range"); contentRange != "" {
		if rest, ok := strings.CutPrefix(contentRange, "bytes "); ok {
			if rangePart, sizePart, ok := strings.Cut(rest, "/"); ok {
				if rangePart == "*" {
					task.total.Store(downloaded)
					return downloaded, nil
				}
				if size, err := strconv.ParseUint(sizePart, 10, 64); err == nil {
					task.total.Store(size)
				}
			}
		}
	}

	buf := make([]byte, chunkSize)

	for {
		n, readErr := resp.Body.Read(buf)

		if n > 0 {
			if _, err := writer.Write(buf[:n]); err != nil {
				return 0, err
			}

			prev := task.current.Add(uint64(n)) - uint64(n)

			if options.OnUpdate != nil {
				options.OnUpdate(prev+uint64(n), task.total.Load(), uint64(n))
			}

			if task.aborted.Load() {
				log.Debug().Str("url", url).Msg("download aborted")

				if err := writer.Flush(); err != nil {
					return 0, err
				}

				return task.total.Load(), nil
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return 0, readErr
		}
	}

	if err := writer.Flush(); err != nil {
		return 0, err
	}

	if options.OnFinish != nil {
		options.OnFinish(task.total.Load())
	}

	return task.total.Load(), nil
}

// Task is a single in-flight download.
type Task struct {
	url string

	current atomic.Uint64
	total   atomic.Uint64
	aborted atomic.Bool

	done   chan struct{}
	result uint64
	err    error
}

// URL returns the task's source URL.
func (t *Task) URL() string {
	return t.url
}

// Current returns the amount of downloaded bytes.
func (t *Task) Current() uint64 {
	return t.current.Load()
}

// Total returns the expected total amount of bytes, once known.
func (t *Task) Total() uint64 {
	return t.total.Load()
}

// Fraction returns the downloading progress in [0, 1].
func (t *Task) Fraction() float64 {
	current, total := t.Current(), t.Total()

	if current == 0 {
		return 0
	}
	if total == 0 {
		return 1
	}

	return float64(current) / float64(total)
}

// IsFinished reports whether the task stopped, successfully or not.
func (t *Task) IsFinished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the task finishes and returns the output length.
func (t *Task) Wait() (uint64, error) {
	<-t.done
	return t.result, t.err
}

// Abort asks the task to stop after the current chunk. The output file is
// flushed and closed before the task finishes.
func (t *Task) Abort() {
	t.aborted.Store(true)
}
