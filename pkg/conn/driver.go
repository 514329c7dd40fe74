package conn

import (
	"github.com/pg-sharding/shardgate/pkg/models/sgerror"
)

// DriverByName returns the driver configured by name; empty means pgx.
func DriverByName(name string) (Driver, error) {
	switch name {
	case "", DriverPgx:
		return PgxDriver{}, nil
	case DriverSqlx:
		return SqlxDriver{}, nil
	default:
		return nil, sgerror.Newf(sgerror.SG_CONFIGURATION, "unknown driver %q", name)
	}
}
