// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package download

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rangeServer serves a fixed payload honoring "bytes=<offset>-" requests.
func rangeServer(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset := 0

		if header := r.Header.Get("Range"); header != "" {
			value := strings.TrimSuffix(strings.TrimPrefix(header, "bytes="), "-")
			parsed, err := strconv.Atoi(value)
			require.NoError(t, err)
			offset = parsed
		}

		if offset >= len(payload) {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", len(payload)))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}

		rest := payload[offset:]
		w.Header().Set("Content-Length", strconv.Itoa(len(rest)))

		if offset > 0 {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, len(payload)-1, len(payload)))
			w.WriteHeader(http.StatusPartialContent)
		}

		_, _ = w.Write(rest)
	}))

	t.Cleanup(server.Close)
	return server
}

func TestDownload(t *testing.T) {
	payload := []byte(strings.Repeat("cask", 1024))
	server := rangeServer(t, payload)

	output := filepath.Join(t.TempDir(), "out.bin")

	var finished bool
	task := New().DownloadWithOptions(server.URL, output, Options{
		OnFinish: func(total uint64) {
			finished = true
			assert.Equal(t, uint64(len(payload)), total)
		},
	})

	total, err := task.Wait()
	require.NoError(t, err)
	assert.Equal(t, uint64(len(payload)), total)
	assert.True(t, finished)
	assert.True(t, task.IsFinished())
	assert.Equal(t, 1.0, task.Fraction())

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestDownloadResume(t *testing.T) {
	payload := []byte(strings.Repeat("0123456789", 100))
	server := rangeServer(t, payload)

	output := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, os.WriteFile(output, payload[:300], 0o644))

	task := New().Download(server.URL, output)

	total, err := task.Wait()
	require.NoError(t, err)
	assert.Equal(t, uint64(len(payload)), total)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestDownloadAlreadyComplete(t *testing.T) {
	payload := []byte("all bytes present")
	server := rangeServer(t, payload)

	output := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, os.WriteFile(output, payload, 0o644))

	var updates int
	task := New().DownloadWithOptions(server.URL, output, Options{
		ContinueDownload: true,
		OnUpdate: func(_, _, _ uint64) {
			updates++
		},
	})

	total, err := task.Wait()
	require.NoError(t, err)

	// HTTP 416 reports the file complete at its local size with no writes.
	assert.Equal(t, uint64(len(payload)), total)
	assert.Zero(t, updates)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestDownloadTruncates(t *testing.T) {
	payload := []byte("fresh content")
	server := rangeServer(t, payload)

	output := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, os.WriteFile(output, []byte("stale leftover bytes"), 0o644))

	task := New().DownloadWithOptions(server.URL, output, Options{ContinueDownload: false})

	_, err := task.Wait()
	require.NoError(t, err)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestDownloadErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	task := New().Download(server.URL, filepath.Join(t.TempDir(), "out.bin"))

	_, err := task.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestDownloadProgress(t *testing.T) {
	payload := []byte(strings.Repeat("x", 200_000))
	server := rangeServer(t, payload)

	var lastCurrent, lastTotal uint64
	task := New().DownloadWithOptions(server.URL, filepath.Join(t.TempDir(), "out.bin"), Options{
		OnUpdate: func(current, total, diff uint64) {
			assert.Positive(t, diff)
			lastCurrent, lastTotal = current, total
		},
	})

	_, err := task.Wait()
	require.NoError(t, err)
	assert.Equal(t, uint64(len(payload)), lastCurrent)
	assert.Equal(t, uint64(len(payload)), lastTotal)
}
