package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rickgao/binance-stream/internal/keepalive"
)

// ErrUnsupportedKind is returned for stream kinds that have no listen key endpoint.
var ErrUnsupportedKind = errors.New("stream kind has no listen key endpoint")

// ListenKeyResponse from POST on a listen key endpoint.
type ListenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// endpoint returns the host and path of the listen key endpoint for kind.
func (c *Client) endpoint(kind keepalive.Kind) (base, path string, err error) {
	switch kind {
	case keepalive.KindUser:
		return c.baseURLs.Spot, "/api/v3/userDataStream", nil
	case keepalive.KindMargin:
		return c.baseURLs.Spot, "/sapi/v1/userDataStream", nil
	case keepalive.KindIsolatedMargin:
		return c.baseURLs.Spot, "/sapi/v1/userDataStream/isolated", nil
	case keepalive.KindFutures:
		return c.baseURLs.Futures, "/fapi/v1/listenKey", nil
	case keepalive.KindCoinFutures:
		return c.baseURLs.CoinFutures, "/dapi/v1/listenKey", nil
	case keepalive.KindPortfolioMargin:
		return c.baseURLs.PortfolioMargin, "/papi/v1/listenKey", nil
	}
	return "", "", fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
}

func listenKeyQuery(kind keepalive.Kind, symbol, token string) url.Values {
	q := url.Values{}
	if kind == keepalive.KindIsolatedMargin {
		q.Set("symbol", symbol)
	}
	if token != "" {
		q.Set("listenKey", token)
	}
	return q
}

// CreateToken creates a listen key, or returns the active one if it has not expired.
func (c *Client) CreateToken(ctx context.Context, kind keepalive.Kind, symbol string) (string, error) {
	base, path, err := c.endpoint(kind)
	if err != nil {
		return "", err
	}

	var resp ListenKeyResponse
	if err := c.call(ctx, http.MethodPost, base, path, listenKeyQuery(kind, symbol, ""), &resp); err != nil {
		return "", fmt.Errorf("create %s listen key: %w", kind, err)
	}
	if resp.ListenKey == "" {
		return "", fmt.Errorf("create %s listen key: empty response", kind)
	}

	c.logger.Debug("listen key created", "kind", kind)
	return resp.ListenKey, nil
}

// RenewToken extends the validity of a listen key.
func (c *Client) RenewToken(ctx context.Context, kind keepalive.Kind, symbol, token string) error {
	base, path, err := c.endpoint(kind)
	if err != nil {
		return err
	}

	if err := c.call(ctx, http.MethodPut, base, path, listenKeyQuery(kind, symbol, token), nil); err != nil {
		return fmt.Errorf("renew %s listen key: %w", kind, err)
	}
	return nil
}

// RevokeToken closes a listen key.
func (c *Client) RevokeToken(ctx context.Context, kind keepalive.Kind, symbol, token string) error {
	base, path, err := c.endpoint(kind)
	if err != nil {
		return err
	}

	if err := c.call(ctx, http.MethodDelete, base, path, listenKeyQuery(kind, symbol, token), nil); err != nil {
		return fmt.Errorf("revoke %s listen key: %w", kind, err)
	}
	return nil
}

var _ keepalive.TokenService = (*Client)(nil)
