package conn

import (
	"net/url"

	"github.com/pg-sharding/shardgate/pkg/models/topology"
)

// DSN renders the host as a postgres:// URL understood by both pgx and
// lib/pq.
func DSN(host *topology.HostDescriptor) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   host.Addr,
		Path:   "/" + host.Database,
	}
	if host.User != "" {
		if host.Password != "" {
			u.User = url.UserPassword(host.User, host.Password)
		} else {
			u.User = url.User(host.User)
		}
	}
	q := url.Values{}
	q.Set("application_name", "shardgate")
	u.RawQuery = q.Encode()
	return u.String()
}
