package directory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/lightningnetwork/lnd/ticker"
)

// MinPushInterval is the lower bound spec §4.7 places on how often a Maker
// may re-push its address: anything tighter just churns the directory's
// FirstSeen ordering without improving discoverability.
const MinPushInterval = 15 * time.Minute

// Client is the directory-facing half of both roles: a Maker uses Push and
// RunPeriodicPush to keep its address listed, a Taker uses List to learn
// the current Maker set.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client against the directory at baseURL (e.g.
// "http://directory.example:8080").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Push advertises address and its fidelity bond proof to the directory.
func (c *Client) Push(ctx context.Context, address string, fidelityProof []byte) error {
	raw, err := cbor.Marshal(pushRequest{Address: address, FidelityProof: fidelityProof})
	if err != nil {
		return fmt.Errorf("directory: encode push: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/addresses", bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("directory: build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/cbor")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("directory: push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("directory: push: unexpected status %s", resp.Status)
	}
	return nil
}

// List fetches the directory's current address set.
func (c *Client) List(ctx context.Context) ([]Tuple, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/addresses", nil)
	if err != nil {
		return nil, fmt.Errorf("directory: build list request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory: list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory: list: unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("directory: read list response: %w", err)
	}

	var lr listResponse
	if err := cbor.Unmarshal(body, &lr); err != nil {
		return nil, fmt.Errorf("directory: decode list response: %w", err)
	}
	return lr.Tuples, nil
}

// ListAddresses satisfies offerbook.DirectoryLister, returning just the
// dial address of every known Tuple.
func (c *Client) ListAddresses(ctx context.Context) ([]string, error) {
	tuples, err := c.List(ctx)
	if err != nil {
		return nil, err
	}

	addresses := make([]string, len(tuples))
	for i, t := range tuples {
		addresses[i] = t.Address
	}
	return addresses, nil
}

// RunPeriodicPush re-pushes address/fidelityProof() to the directory every
// interval until ctx is cancelled, logging and continuing past transient
// push failures rather than tearing the Maker down over a directory outage.
// interval is clamped up to MinPushInterval.
func (c *Client) RunPeriodicPush(ctx context.Context, address string, fidelityProof func() []byte, interval time.Duration) {
	if interval < MinPushInterval {
		interval = MinPushInterval
	}

	t := ticker.New(interval)
	t.Resume()
	defer t.Stop()

	if err := c.Push(ctx, address, fidelityProof()); err != nil {
		log.Warnf("directory: initial push failed: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Ticks():
			if err := c.Push(ctx, address, fidelityProof()); err != nil {
				log.Warnf("directory: periodic push failed: %v", err)
			}
		}
	}
}
