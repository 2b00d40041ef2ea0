package docsync

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
)

// SnapshotSource is the read-only remote shadow: the latest known state
// of a document, fetched by id. it only ever backfills a client with no
// local copy; it never overrides local edits.
type SnapshotSource interface {
	FetchLatest(ctx context.Context, workspaceId WorkspaceId, docId Id) ([]byte, error)
}

var ErrSnapshotNotFound = fmt.Errorf("snapshot not found")

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type HttpSnapshotSourceSettings struct {
	MaxElapsedTime time.Duration
}

func DefaultHttpSnapshotSourceSettings() *HttpSnapshotSourceSettings {
	return &HttpSnapshotSourceSettings{
		MaxElapsedTime: 30 * time.Second,
	}
}

type HttpSnapshotSource struct {
	apiUrl      string
	tokenSource TokenSource
	settings    *HttpSnapshotSourceSettings
	client      *http.Client
}

func NewHttpSnapshotSourceWithDefaults(apiUrl string, tokenSource TokenSource) *HttpSnapshotSource {
	return NewHttpSnapshotSource(apiUrl, tokenSource, DefaultHttpSnapshotSourceSettings())
}

func NewHttpSnapshotSource(apiUrl string, tokenSource TokenSource, settings *HttpSnapshotSourceSettings) *HttpSnapshotSource {
	return &HttpSnapshotSource{
		apiUrl:      apiUrl,
		tokenSource: tokenSource,
		settings:    settings,
		client:      defaultClient(),
	}
}

func (self *HttpSnapshotSource) FetchLatest(ctx context.Context, workspaceId WorkspaceId, docId Id) ([]byte, error) {
	var snapshot []byte

	fetch := func() error {
		req, err := http.NewRequestWithContext(
			ctx,
			"GET",
			fmt.Sprintf("%s/workspace/%s/doc/%s/snapshot", self.apiUrl, workspaceId, docId),
			nil,
		)
		if err != nil {
			return backoff.Permanent(err)
		}
		if token := self.tokenSource(); token != "" {
			req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", token))
		}

		r, err := self.client.Do(req)
		if err != nil {
			return err
		}
		defer r.Body.Close()

		switch r.StatusCode {
		case http.StatusOK:
			snapshot, err = io.ReadAll(r.Body)
			return err
		case http.StatusNotFound:
			return backoff.Permanent(ErrSnapshotNotFound)
		case http.StatusUnauthorized, http.StatusForbidden:
			return backoff.Permanent(fmt.Errorf("snapshot fetch unauthorized"))
		default:
			return fmt.Errorf("snapshot fetch status %d", r.StatusCode)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = self.settings.MaxElapsedTime
	if err := backoff.Retry(fetch, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// StaticSnapshotSource serves snapshots from memory. used in tests and
// for seeding throwaway workspaces.
type StaticSnapshotSource struct {
	snapshots map[Id][]byte
}

func NewStaticSnapshotSource(snapshots map[Id][]byte) *StaticSnapshotSource {
	if snapshots == nil {
		snapshots = map[Id][]byte{}
	}
	return &StaticSnapshotSource{snapshots: snapshots}
}

func (self *StaticSnapshotSource) FetchLatest(ctx context.Context, workspaceId WorkspaceId, docId Id) ([]byte, error) {
	snapshot, ok := self.snapshots[docId]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return snapshot, nil
}
