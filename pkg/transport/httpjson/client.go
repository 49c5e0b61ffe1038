package httpjson

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "time"

    "github.com/amirimatin/rapid-core/pkg/transport"
)

// Client is a thin HTTP client for the Rapid-domain protocol endpoints. It
// supports optional TLS configuration and simple retry with backoff.
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 {
        timeout = 3 * time.Second
    }
    tr := &http.Transport{}
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches
// the request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    if c.transport != nil {
        c.transport.TLSClientConfig = cfg
    }
    c.isTLS = cfg != nil
    return c
}

func (c *Client) scheme() string {
    if c.isTLS {
        return "https"
    }
    return "http"
}

func (c *Client) postJSON(ctx context.Context, url string, req, out any) error {
    body, err := json.Marshal(req)
    if err != nil {
        return err
    }
    httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
    if err != nil {
        return err
    }
    httpReq.Header.Set("Content-Type", "application/json")

    var lastErr error
    for attempt := 0; attempt < 3; attempt++ {
        resp, err := c.httpc.Do(httpReq)
        if err != nil {
            lastErr = err
        } else {
            lastErr = func() error {
                defer resp.Body.Close()
                b, _ := io.ReadAll(resp.Body)
                if out != nil {
                    _ = json.Unmarshal(b, out)
                }
                if resp.StatusCode != http.StatusOK {
                    return fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
                }
                return nil
            }()
            if lastErr == nil {
                return nil
            }
        }
        select {
        case <-ctx.Done():
            if lastErr == nil {
                lastErr = ctx.Err()
            }
            return lastErr
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return lastErr
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    url := fmt.Sprintf("%s://%s/status", c.scheme(), addr)
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
    if err != nil {
        return nil, err
    }
    var lastErr error
    for attempt := 0; attempt < 3; attempt++ {
        resp, err := c.httpc.Do(req)
        if err != nil {
            lastErr = err
        } else {
            defer resp.Body.Close()
            if resp.StatusCode != http.StatusOK {
                b, _ := io.ReadAll(resp.Body)
                lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
            } else {
                return io.ReadAll(resp.Body)
            }
        }
        select {
        case <-ctx.Done():
            return nil, ctx.Err()
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return nil, lastErr
}

func (c *Client) SendLinkUpdate(ctx context.Context, addr string, msg transport.BatchedLinkUpdateMessage) error {
    url := fmt.Sprintf("%s://%s/linkupdate", c.scheme(), addr)
    return c.postJSON(ctx, url, msg, &transport.Ack{})
}

func (c *Client) SendConsensusProposal(ctx context.Context, addr string, msg transport.ConsensusProposal) error {
    url := fmt.Sprintf("%s://%s/consensus", c.scheme(), addr)
    return c.postJSON(ctx, url, msg, &transport.Ack{})
}

func (c *Client) SendJoin(ctx context.Context, addr string, msg transport.JoinMessage) (transport.JoinResponse, error) {
    var out transport.JoinResponse
    url := fmt.Sprintf("%s://%s/join", c.scheme(), addr)
    err := c.postJSON(ctx, url, msg, &out)
    if err != nil && out.Error != "" {
        return out, fmt.Errorf(out.Error)
    }
    return out, err
}

func (c *Client) SendJoinPhaseTwo(ctx context.Context, addr string, msg transport.JoinMessage) (transport.JoinResponse, error) {
    var out transport.JoinResponse
    url := fmt.Sprintf("%s://%s/join2", c.scheme(), addr)
    err := c.postJSON(ctx, url, msg, &out)
    if err != nil && out.Error != "" {
        return out, fmt.Errorf(out.Error)
    }
    return out, err
}

func (c *Client) SendProbe(ctx context.Context, addr string, msg transport.ProbeMessage) (transport.ProbeResponse, error) {
    var out transport.ProbeResponse
    url := fmt.Sprintf("%s://%s/probe", c.scheme(), addr)
    err := c.postJSON(ctx, url, msg, &out)
    return out, err
}

var _ transport.RPCClient = (*Client)(nil)
