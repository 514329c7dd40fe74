package topology

import "time"

// RoutingKey carries the values a routing strategy may look at.
type RoutingKey struct {
	Primary   any
	Secondary any
	Timestamp time.Time
	Region    string
}

func Key(primary any) RoutingKey {
	return RoutingKey{Primary: primary}
}

func TimeKey(primary any, ts time.Time) RoutingKey {
	return RoutingKey{Primary: primary, Timestamp: ts}
}

func GeoKey(primary any, region string) RoutingKey {
	return RoutingKey{Primary: primary, Region: region}
}

func (k RoutingKey) WithSecondary(v any) RoutingKey {
	k.Secondary = v
	return k
}
