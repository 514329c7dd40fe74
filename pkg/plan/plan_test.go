package plan_test

import (
	"testing"

	"github.com/pg-sharding/shardgate/pkg/plan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSelectAndDelete(t *testing.T) {
	st, err := plan.BuildSelect("users", "public.users", "id", []any{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM "public"."users" WHERE "id" IN ($1, $2, $3)`, st.SQL)
	assert.Equal(t, []any{1, 2, 3}, st.Args)
	assert.Equal(t, plan.KindRead, st.Kind)

	st, err = plan.BuildDelete("users", "users", "user id", []any{"a"})
	require.NoError(t, err)
	assert.Equal(t, `DELETE FROM "users" WHERE "user id" IN ($1) RETURNING "user id"`, st.SQL)

	_, err = plan.BuildSelect("users", "users", "id", nil)
	assert.Error(t, err)
}

func TestBuildInsertMultiRow(t *testing.T) {
	st, err := plan.BuildInsert("users", "users", []plan.Row{
		{"id": 1, "name": "a"},
		{"name": "b", "id": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "users" ("id", "name") VALUES ($1, $2), ($3, $4)`, st.SQL)
	assert.Equal(t, []any{1, "a", 2, "b"}, st.Args)

	_, err = plan.BuildInsert("users", "users", []plan.Row{
		{"id": 1, "name": "a"},
		{"id": 2},
	})
	assert.Error(t, err)
}

func TestBuildUpdateCase(t *testing.T) {
	st, err := plan.BuildUpdate("users", "users", "id", []plan.Update{
		{ID: int64(1), Set: plan.Row{"name": "a", "score": 10}},
		{ID: int64(2), Set: plan.Row{"name": "b", "score": 20}},
	})
	require.NoError(t, err)
	assert.Equal(t,
		`UPDATE "users" SET `+
			`"name" = CASE "id" WHEN $1::bigint THEN $3::text WHEN $2::bigint THEN $4::text ELSE "name" END, `+
			`"score" = CASE "id" WHEN $1::bigint THEN $5::bigint WHEN $2::bigint THEN $6::bigint ELSE "score" END `+
			`WHERE "id" IN ($1::bigint, $2::bigint) RETURNING "id"`,
		st.SQL)
	assert.Equal(t, []any{int64(1), int64(2), "a", "b", 10, 20}, st.Args)
	assert.Equal(t, []any{int64(1), int64(2)}, st.IDs)
}

func TestFingerprint(t *testing.T) {
	a := &plan.Operation{Kind: plan.KindInsert, Collection: "users", Shard: "sh1", Rows: []plan.Row{{"id": 1, "name": "x"}}}
	b := &plan.Operation{Kind: plan.KindInsert, Collection: "users", Shard: "sh1", Rows: []plan.Row{{"name": "x", "id": 1}}}
	c := &plan.Operation{Kind: plan.KindInsert, Collection: "users", Shard: "sh1", Rows: []plan.Row{{"id": "1", "name": "x"}}}
	d := &plan.Operation{Kind: plan.KindUpdate, Collection: "users", Shard: "sh1", ID: 1, Set: plan.Row{"name": "x"}}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), d.Fingerprint())
	assert.Equal(t, "id,name", a.Shape())
	assert.Equal(t, "name", d.Shape())
}

func TestParsePriority(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want plan.Priority
		err  bool
	}{
		{in: "critical", want: plan.PriorityCritical},
		{in: "low", want: plan.PriorityLow},
		{in: "", want: plan.PriorityNormal},
		{in: "urgent", err: true},
	} {
		p, err := plan.ParsePriority(tt.in)
		if tt.err {
			assert.Error(t, err)
			continue
		}
		assert.NoError(t, err)
		assert.Equal(t, tt.want, p)
		assert.True(t, p.Valid())
	}
	assert.False(t, plan.Priority(9).Valid())
}
