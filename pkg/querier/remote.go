package querier

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ScanPath is the internal endpoint peers execute scan fragments on.
const ScanPath = "/internal/v1/scan"

type RemoteConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

func (cfg *RemoteConfig) RegisterFlags(f *flag.FlagSet) {
	f.DurationVar(&cfg.Timeout, "querier.remote-timeout", 60*time.Second, "Timeout for scan fragments dispatched to peers.")
}

// HTTPRemoteClient dispatches scan fragments to peer queriers over the
// internal HTTP API.
type HTTPRemoteClient struct {
	cfg    RemoteConfig
	client *http.Client
}

func NewHTTPRemoteClient(cfg RemoteConfig) *HTTPRemoteClient {
	return &HTTPRemoteClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *HTTPRemoteClient) Scan(ctx context.Context, addr string, req *ScanRequest) (*PartialResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("http://%s%s", addr, ScanPath)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "dispatch scan fragment")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("peer scan failed: %s: %s", resp.Status, bytes.TrimSpace(data))
	}
	var partial PartialResult
	if err := json.Unmarshal(data, &partial); err != nil {
		return nil, errors.Wrap(err, "decode peer scan result")
	}
	return &partial, nil
}
