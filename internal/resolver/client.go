// Package resolver exchanges an access token and channel reference for a
// tokenised playback URL.
package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go2tv.app/syncview/internal/domain"
)

const (
	viewingsPath = "/api/viewings/"

	defaultTimeout            = 20 * time.Second
	httpDialTimeout           = 5 * time.Second
	httpKeepAlive             = 30 * time.Second
	httpTLSHandshakeTimeout   = 5 * time.Second
	httpResponseHeaderTimeout = 10 * time.Second
	httpIdleConnTimeout       = 90 * time.Second
	maxErrorBody              = 512
)

type Options struct {
	BaseURL string
	Timeout time.Duration
	// RetryMax is the retryablehttp budget for transport failures and 5xx
	// replies. Zero disables retries.
	RetryMax int
	Logger   zerolog.Logger
}

// Client implements adapters.URLResolver over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

type viewingRequest struct {
	ChannelURL string `json:"channel_url"`
}

type viewingResponse struct {
	TokenisedURL string `json:"tokenised_url"`
}

func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("resolver base url is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retryMax := opts.RetryMax
	if retryMax < 0 {
		retryMax = 0
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = retryMax
	retryClient.Logger = nil
	retryClient.HTTPClient = &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   httpDialTimeout,
				KeepAlive: httpKeepAlive,
			}).DialContext,
			TLSHandshakeTimeout:   httpTLSHandshakeTimeout,
			ResponseHeaderTimeout: httpResponseHeaderTimeout,
			IdleConnTimeout:       httpIdleConnTimeout,
		},
	}

	return &Client{
		baseURL: base,
		http:    retryClient.StandardClient(),
		log:     opts.Logger.With().Str("component", "resolver").Logger(),
	}, nil
}

// ResolvePlaybackURL returns the tokenised URL for channel. Every failure wraps
// domain.ErrResolution.
func (c *Client) ResolvePlaybackURL(ctx context.Context, token, channel string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", resolutionError(errors.New("access token is empty"))
	}
	if strings.TrimSpace(channel) == "" {
		return "", resolutionError(errors.New("channel is empty"))
	}

	body, err := json.Marshal(viewingRequest{ChannelURL: channel})
	if err != nil {
		return "", resolutionError(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+viewingsPath, bytes.NewReader(body))
	if err != nil {
		return "", resolutionError(errors.Wrap(err, "build request"))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "JWT "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", resolutionError(errors.Wrap(err, "request viewing"))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.log.Warn().Int("status", resp.StatusCode).Str("channel", channel).Msg("viewing request rejected")
		return "", resolutionError(fmt.Errorf("viewing request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	var payload viewingResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", resolutionError(errors.Wrap(err, "decode viewing response"))
	}
	if strings.TrimSpace(payload.TokenisedURL) == "" {
		return "", resolutionError(errors.New("viewing response has no tokenised url"))
	}

	c.log.Debug().Str("channel", channel).Msg("playback url resolved")
	return payload.TokenisedURL, nil
}

func resolutionError(err error) error {
	return fmt.Errorf("%w: %w", domain.ErrResolution, err)
}
