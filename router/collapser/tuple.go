package collapser

import (
	"strconv"
	"strings"
	"time"

	"github.com/pg-sharding/shardgate/pkg/plan"
)

// Tuple is a composite key. Its String form is canonical: equal tuples
// collapse into one fetch and one cache entry.
type Tuple []any

func (t Tuple) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i, v := range t {
		if i > 0 {
			sb.WriteByte(',')
		}
		encode(&sb, v)
	}
	sb.WriteByte(')')
	return sb.String()
}

func encode(sb *strings.Builder, v any) {
	switch x := v.(type) {
	case nil:
		sb.WriteString("n")
	case string:
		sb.WriteString("s")
		sb.WriteString(strconv.Quote(x))
	case []byte:
		sb.WriteString("b")
		sb.WriteString(strconv.Quote(string(x)))
	case bool:
		sb.WriteString("t")
		sb.WriteString(strconv.FormatBool(x))
	case int:
		sb.WriteString("i")
		sb.WriteString(strconv.FormatInt(int64(x), 10))
	case int32:
		sb.WriteString("i")
		sb.WriteString(strconv.FormatInt(int64(x), 10))
	case int64:
		sb.WriteString("i")
		sb.WriteString(strconv.FormatInt(x, 10))
	case float64:
		sb.WriteString("f")
		sb.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
	case time.Time:
		sb.WriteString("d")
		sb.WriteString(x.UTC().Format(time.RFC3339Nano))
	case Tuple:
		sb.WriteString(x.String())
	default:
		sb.WriteString("v")
		sb.WriteString(strconv.Quote(plan.IDKey(x)))
	}
}
