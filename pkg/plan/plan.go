package plan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pg-sharding/shardgate/pkg/models/topology"
)

type Kind int

const (
	KindRead = Kind(iota)
	KindInsert
	KindUpdate
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) IsWrite() bool {
	return k != KindRead
}

// Row is one record keyed by column name.
type Row map[string]any

// Columns returns the sorted column names of the row.
func (r Row) Columns() []string {
	cols := make([]string, 0, len(r))
	for c := range r {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// Shape identifies rows that can share one statement.
func (r Row) Shape() string {
	return strings.Join(r.Columns(), ",")
}

// OperationSpec is what a caller asks for. Reads, updates and deletes
// address a single ID; inserts carry one or more rows. Rows of one insert
// may route to different shards.
type OperationSpec struct {
	Kind       Kind
	Collection string
	ID         any
	Set        Row
	Rows       []Row
	// Key overrides routing. When Key.Primary is nil the ID, or the id
	// column of each inserted row, is used.
	Key topology.RoutingKey
}

// Operation is the part of a spec bound to one shard.
type Operation struct {
	Kind       Kind
	Collection string
	Table      string
	IDColumn   string
	Shard      string
	ID         any
	Set        Row
	Rows       []Row
}

// Shape groups operations that can be merged into one statement.
func (o *Operation) Shape() string {
	switch o.Kind {
	case KindInsert:
		if len(o.Rows) == 0 {
			return ""
		}
		return o.Rows[0].Shape()
	case KindUpdate:
		return o.Set.Shape()
	default:
		return ""
	}
}

// Result is what an operation resolves with.
type Result struct {
	Rows         []Row
	RowsAffected int64
}

// IDKey renders an id so that values read back from the database match
// the values a caller passed in.
func IDKey(v any) string {
	switch v := v.(type) {
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
