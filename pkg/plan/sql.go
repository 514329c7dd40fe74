package plan

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Statement is a ready to run SQL text with positional arguments.
type Statement struct {
	SQL        string
	Args       []any
	Kind       Kind
	Collection string
	// IDs lists the addressed ids in argument order, for reads and
	// deletes.
	IDs []any
}

// QuoteIdent quotes a possibly schema-qualified name.
func QuoteIdent(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

type argList struct {
	args []any
}

func (a *argList) add(v any) string {
	a.args = append(a.args, v)
	return fmt.Sprintf("$%d", len(a.args))
}

// typed appends v and casts the placeholder when the SQL type is known,
// so that CASE branches do not default to text.
func (a *argList) typed(v any) string {
	p := a.add(v)
	if t := sqlType(v); t != "" {
		return p + "::" + t
	}
	return p
}

func sqlType(v any) string {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		return "bigint"
	case float32, float64:
		return "double precision"
	case string:
		return "text"
	case bool:
		return "boolean"
	case time.Time:
		return "timestamptz"
	case []byte:
		return "bytea"
	case uuid.UUID:
		return "uuid"
	default:
		return ""
	}
}

func placeholders(a *argList, ids []any) string {
	ps := make([]string, len(ids))
	for i, id := range ids {
		ps[i] = a.add(id)
	}
	return strings.Join(ps, ", ")
}

// BuildSelect reads every listed id in one statement.
func BuildSelect(collection, table, idColumn string, ids []any) (Statement, error) {
	if len(ids) == 0 {
		return Statement{}, fmt.Errorf("select without ids")
	}
	a := &argList{}
	sql := fmt.Sprintf("SELECT * FROM %s WHERE %s IN (%s)",
		QuoteIdent(table), QuoteIdent(idColumn), placeholders(a, ids))
	return Statement{
		SQL:        sql,
		Args:       a.args,
		Kind:       KindRead,
		Collection: collection,
		IDs:        ids,
	}, nil
}

// BuildDelete removes every listed id in one statement and returns the
// ids that existed.
func BuildDelete(collection, table, idColumn string, ids []any) (Statement, error) {
	if len(ids) == 0 {
		return Statement{}, fmt.Errorf("delete without ids")
	}
	a := &argList{}
	id := QuoteIdent(idColumn)
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s) RETURNING %s",
		QuoteIdent(table), id, placeholders(a, ids), id)
	return Statement{
		SQL:        sql,
		Args:       a.args,
		Kind:       KindDelete,
		Collection: collection,
		IDs:        ids,
	}, nil
}

// BuildInsert combines rows of one shape into a multi-row INSERT.
func BuildInsert(collection, table string, rows []Row) (Statement, error) {
	if len(rows) == 0 {
		return Statement{}, fmt.Errorf("insert without rows")
	}
	cols := rows[0].Columns()
	if len(cols) == 0 {
		return Statement{}, fmt.Errorf("insert of empty row")
	}
	shape := rows[0].Shape()

	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = QuoteIdent(c)
	}

	a := &argList{}
	values := make([]string, 0, len(rows))
	for _, r := range rows {
		if r.Shape() != shape {
			return Statement{}, fmt.Errorf("insert rows of different shape: %q and %q", shape, r.Shape())
		}
		ps := make([]string, len(cols))
		for i, c := range cols {
			ps[i] = a.add(r[c])
		}
		values = append(values, "("+strings.Join(ps, ", ")+")")
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		QuoteIdent(table), strings.Join(quoted, ", "), strings.Join(values, ", "))
	return Statement{
		SQL:        sql,
		Args:       a.args,
		Kind:       KindInsert,
		Collection: collection,
	}, nil
}

// Update is one row change addressed by id.
type Update struct {
	ID  any
	Set Row
}

// BuildUpdate combines same-shape updates into one statement that picks
// the new value per id with CASE. Updated ids are returned.
func BuildUpdate(collection, table, idColumn string, updates []Update) (Statement, error) {
	if len(updates) == 0 {
		return Statement{}, fmt.Errorf("update without rows")
	}
	cols := updates[0].Set.Columns()
	if len(cols) == 0 {
		return Statement{}, fmt.Errorf("update without columns")
	}
	shape := updates[0].Set.Shape()
	for _, u := range updates[1:] {
		if u.Set.Shape() != shape {
			return Statement{}, fmt.Errorf("update rows of different shape: %q and %q", shape, u.Set.Shape())
		}
	}

	a := &argList{}
	id := QuoteIdent(idColumn)

	idArgs := make([]string, len(updates))
	ids := make([]any, len(updates))
	for i, u := range updates {
		idArgs[i] = a.typed(u.ID)
		ids[i] = u.ID
	}

	sets := make([]string, 0, len(cols))
	for _, c := range cols {
		var b strings.Builder
		fmt.Fprintf(&b, "%s = CASE %s", QuoteIdent(c), id)
		for i, u := range updates {
			fmt.Fprintf(&b, " WHEN %s THEN %s", idArgs[i], a.typed(u.Set[c]))
		}
		fmt.Fprintf(&b, " ELSE %s END", QuoteIdent(c))
		sets = append(sets, b.String())
	}

	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s IN (%s) RETURNING %s",
		QuoteIdent(table), strings.Join(sets, ", "), id, strings.Join(idArgs, ", "), id)
	return Statement{
		SQL:        sql,
		Args:       a.args,
		Kind:       KindUpdate,
		Collection: collection,
		IDs:        ids,
	}, nil
}
