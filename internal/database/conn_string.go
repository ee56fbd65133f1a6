package database

import (
	"math"
	"net"
	"net/url"
	"strconv"

	"github.com/rickgao/binance-stream/internal/config"
)

// BuildConnString builds a PostgreSQL URL from cfg. appName is reported to the
// server as application_name so recorder sessions show up per instance.
func BuildConnString(cfg config.DBConfig, appName string) string {
	port := cfg.Port
	if port == 0 {
		port = config.DefaultDBPort
	}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = config.DefaultDBSSLMode
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	if appName != "" {
		query.Set("application_name", appName)
	}
	if cfg.ConnectTimeout > 0 {
		// libpq takes whole seconds
		secs := int(math.Ceil(cfg.ConnectTimeout.Seconds()))
		query.Set("connect_timeout", strconv.Itoa(secs))
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		Path:     "/" + cfg.Name,
		RawQuery: query.Encode(),
	}
	return u.String()
}
