// Package webseed implements a BEP 19 web-seed fetcher: piece-aligned byte
// ranges over HTTP, with per-URL failure accounting so a seed that keeps
// erroring stops being tried.
package webseed

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prxssh/metabit/internal/config"
)

// maxFailures is how many consecutive failures a URL tolerates before the
// fetcher stops trying it.
const maxFailures = 3

// requestTimeout bounds both connect and read for a single range request.
const requestTimeout = 30 * time.Second

type urlState struct {
	url      string
	failures int
}

// Fetcher retrieves byte ranges from an ordered list of web-seed URLs
// (BEP 19 url-list entries plus acceptable_sources-style extras), skipping
// any URL that has failed maxFailures times in a row.
type Fetcher struct {
	log       *slog.Logger
	client    *http.Client
	userAgent string

	mu   sync.Mutex
	urls []*urlState
}

// New builds a Fetcher from BEP 19's web_seeds list and any extra
// acceptable source URLs, declaration order preserved.
func New(log *slog.Logger, webSeeds, acceptableSources []string) *Fetcher {
	all := make([]*urlState, 0, len(webSeeds)+len(acceptableSources))
	for _, u := range webSeeds {
		all = append(all, &urlState{url: u})
	}
	for _, u := range acceptableSources {
		all = append(all, &urlState{url: u})
	}

	return &Fetcher{
		log: log.With("component", "webseed"),
		client: &http.Client{
			Transport: &http.Transport{
				TLSHandshakeTimeout: requestTimeout,
			},
		},
		userAgent: "metabit/1.0 (" + hex.EncodeToString(config.Load().ClientID[:]) + ")",
		urls:      all,
	}
}

// HasURLs reports whether this fetcher has any seed URL at all.
func (f *Fetcher) HasURLs() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.urls) > 0
}

// DownloadPiece fetches size bytes starting at byteOffset, trying each
// eligible URL in order until one succeeds. It returns nil, nil if size<=0
// or every URL is exhausted or fails.
func (f *Fetcher) DownloadPiece(ctx context.Context, index, byteOffset, size int) ([]byte, error) {
	if size <= 0 {
		return nil, nil
	}

	for _, st := range f.eligibleURLs() {
		data, stop := f.tryURL(ctx, st, byteOffset, size)
		if data != nil {
			return data, nil
		}
		if stop {
			return nil, nil
		}
	}

	return nil, nil
}

func (f *Fetcher) eligibleURLs() []*urlState {
	f.mu.Lock()
	defer f.mu.Unlock()

	eligible := make([]*urlState, 0, len(f.urls))
	for _, st := range f.urls {
		if st.failures < maxFailures {
			eligible = append(eligible, st)
		}
	}
	return eligible
}

// tryURL fetches one range from one URL. It returns (data, _) on success.
// On a mismatched-length response it returns (nil, true): the call as a
// whole stops here without trying the remaining URLs. On a bad status or
// transport error it returns (nil, false): the caller moves on to the next
// URL.
func (f *Fetcher) tryURL(ctx context.Context, st *urlState, byteOffset, size int) ([]byte, bool) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, st.url, nil)
	if err != nil {
		f.recordFailure(st)
		return nil, false
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", byteOffset, byteOffset+size-1))
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		f.log.Debug("web seed request failed", "url", st.url, "error", err)
		f.recordFailure(st)
		return nil, false
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		data, ok := readExactly(resp.Body, size)
		if !ok {
			return nil, true
		}
		f.recordSuccess(st)
		return data, false

	case http.StatusOK:
		if _, err := io.CopyN(io.Discard, resp.Body, int64(byteOffset)); err != nil {
			return nil, true
		}
		data, ok := readExactly(resp.Body, size)
		if !ok {
			return nil, true
		}
		f.recordSuccess(st)
		return data, false

	default:
		f.log.Debug("web seed returned unexpected status", "url", st.url, "status", resp.StatusCode)
		f.recordFailure(st)
		return nil, false
	}
}

// readExactly reads exactly n bytes from r. A short read (EOF before n
// bytes) is treated as a mismatch, not an error: the caller moves on
// without retrying other URLs for this call.
func readExactly(r io.Reader, n int) ([]byte, bool) {
	buf := make([]byte, n)
	read, err := io.ReadFull(r, buf)
	if err != nil || read != n {
		return nil, false
	}
	return buf, true
}

func (f *Fetcher) recordFailure(st *urlState) {
	f.mu.Lock()
	st.failures++
	f.mu.Unlock()
}

func (f *Fetcher) recordSuccess(st *urlState) {
	f.mu.Lock()
	st.failures = 0
	f.mu.Unlock()
}
