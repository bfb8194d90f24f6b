package tracker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-warren/warren/internal/bencode"
)

const maxAnnounceResponseSize = 2 * 1024 * 1024

// HTTPClient implements PeerSource against a single HTTP(S) announce URL.
type HTTPClient struct {
	announceURL *url.URL
	client      *http.Client

	mu        sync.RWMutex
	trackerID string
}

// NewHTTPClient returns a PeerSource announcing to rawURL.
func NewHTTPClient(rawURL string) (*HTTPClient, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: parse announce url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("tracker: unsupported announce scheme %q", u.Scheme)
	}

	return &HTTPClient{
		announceURL: u,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}, nil
}

// Announce implements PeerSource.
func (c *HTTPClient) Announce(ctx context.Context, params AnnounceParams) (AnnounceResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildAnnounceURL(params), nil)
	if err != nil {
		return AnnounceResponse{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("tracker: announce request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return AnnounceResponse{}, fmt.Errorf("tracker: announce returned status %d: %s", resp.StatusCode, body)
	}

	out, err := parseAnnounceResponse(resp.Body)
	if err != nil {
		return AnnounceResponse{}, err
	}

	if out.TrackerID != "" {
		c.mu.Lock()
		c.trackerID = out.TrackerID
		c.mu.Unlock()
	}

	return out, nil
}

func (c *HTTPClient) buildAnnounceURL(params AnnounceParams) string {
	u := *c.announceURL
	q := u.Query()

	q.Set("info_hash", string(params.InfoHash[:]))
	q.Set("peer_id", string(params.PeerID[:]))
	q.Set("port", strconv.Itoa(int(params.Port)))
	q.Set("uploaded", strconv.FormatUint(params.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(params.Downloaded, 10))
	q.Set("left", strconv.FormatUint(params.Left, 10))
	q.Set("compact", "1")

	if params.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(int(params.NumWant)))
	}
	if params.Key != 0 {
		q.Set("key", strconv.FormatUint(uint64(params.Key), 10))
	}
	if params.Event != EventNone {
		q.Set("event", params.Event.String())
	}

	c.mu.RLock()
	trackerID := c.trackerID
	c.mu.RUnlock()
	if trackerID != "" {
		q.Set("trackerid", trackerID)
	}

	u.RawQuery = q.Encode()
	return u.String()
}

func parseAnnounceResponse(r io.Reader) (AnnounceResponse, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxAnnounceResponseSize))
	if err != nil {
		return AnnounceResponse{}, err
	}

	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("tracker: decode response: %w", err)
	}

	dict, ok := raw.(map[string]any)
	if !ok {
		return AnnounceResponse{}, fmt.Errorf("tracker: response is %T, want a dict", raw)
	}

	if reason, ok := dict["failure reason"].(string); ok {
		return AnnounceResponse{}, fmt.Errorf("tracker: announce failure: %s", reason)
	}

	interval, _ := dict["interval"].(int64)
	minInterval, _ := dict["min interval"].(int64)
	seeders, _ := dict["complete"].(int64)
	leechers, _ := dict["incomplete"].(int64)
	trackerID, _ := dict["trackerid"].(string)

	peers, err := decodePeers(dict["peers"])
	if err != nil {
		return AnnounceResponse{}, err
	}

	return AnnounceResponse{
		TrackerID:   trackerID,
		Interval:    time.Duration(interval) * time.Second,
		MinInterval: time.Duration(minInterval) * time.Second,
		Seeders:     seeders,
		Leechers:    leechers,
		Peers:       peers,
	}, nil
}
