package plan

import (
	"bytes"
	"fmt"
	"time"

	"github.com/go-faster/city"
)

// Fingerprint hashes the canonical encoding of an operation. Equal
// operations always have equal fingerprints.
func (o *Operation) Fingerprint() uint64 {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%d|%s|%s|", o.Kind, o.Collection, o.Shard)
	writeValue(&b, o.ID)
	b.WriteByte('|')
	writeRow(&b, o.Set)
	for _, r := range o.Rows {
		b.WriteByte('|')
		writeRow(&b, r)
	}
	return city.Hash64(b.Bytes())
}

func writeRow(b *bytes.Buffer, r Row) {
	b.WriteByte('{')
	for _, c := range r.Columns() {
		b.WriteString(c)
		b.WriteByte('=')
		writeValue(b, r[c])
		b.WriteByte(';')
	}
	b.WriteByte('}')
}

func writeValue(b *bytes.Buffer, v any) {
	switch v := v.(type) {
	case nil:
		b.WriteString("<nil>")
	case time.Time:
		b.WriteString(v.UTC().Format(time.RFC3339Nano))
	case []byte:
		fmt.Fprintf(b, "%x", v)
	default:
		fmt.Fprintf(b, "%T:%v", v, v)
	}
}
