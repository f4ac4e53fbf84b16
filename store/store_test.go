package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.chainstore.dev/core/backend"
	"go.chainstore.dev/core/backend/sqlite"
	"go.chainstore.dev/core/schema"
)

func testSchema(t *testing.T) *schema.Schema {
	var accounts, err = schema.NewTable("accounts", []schema.Column{
		{Name: "addr", Kind: schema.String},
		{Name: "balance", Kind: schema.Integer, NotNull: true, Default: schema.LiteralDefault(0)},
		{Name: "kind", Kind: schema.Enum, EnumValues: []string{"external", "contract"},
			Default: schema.LiteralDefault("external")},
		{Name: "tags", Kind: schema.List, Elem: schema.String},
	}, []string{"addr"}, nil)
	require.NoError(t, err)

	transfers, err := schema.NewTable("transfers", []schema.Column{
		{Name: "id", Kind: schema.String},
		{Name: "src", Kind: schema.String, NotNull: true},
		{Name: "amount", Kind: schema.BigInt, NotNull: true},
	}, []string{"id"}, []schema.Reference{{Column: "src", Table: "accounts"}})
	require.NoError(t, err)

	sch, err := schema.New(accounts, transfers)
	require.NoError(t, err)
	return sch
}

func newTestStore(t *testing.T, cfg Config) (*Store, *backend.SQLBackend) {
	var sch = testSchema(t)
	var be, err = sqlite.Open(":memory:", sch, "test-store")
	require.NoError(t, err)
	require.NoError(t, be.EnsureSchema(context.Background()))

	st, err := New(context.Background(), sch, be, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = be.Close() })
	return st, be
}

func TestCreateAndReadYourWrites(t *testing.T) {
	var st, _ = newTestStore(t, Config{})
	var ctx = context.Background()
	st.SetBlock(1)

	var row, err = st.Create(ctx, "accounts", schema.Key{"alice"},
		map[string]interface{}{"balance": 100, "tags": []interface{}{"vip"}})
	require.NoError(t, err)
	require.Equal(t, map[string]interface{}{
		"addr":    "alice",
		"balance": int64(100),
		"kind":    "external", // Defaulted.
		"tags":    []interface{}{"vip"},
	}, row)

	// The create is visible immediately, without any flush.
	found, err := st.Find(ctx, "accounts", schema.Key{"alice"})
	require.NoError(t, err)
	require.Equal(t, row, found)

	found, err = st.Find(ctx, "accounts", schema.Key{"nobody"})
	require.NoError(t, err)
	require.Nil(t, found)
}

func TestCreateValidationFailuresLeaveNoState(t *testing.T) {
	var st, _ = newTestStore(t, Config{})
	var ctx = context.Background()
	st.SetBlock(1)

	var _, err = st.Create(ctx, "nope", schema.Key{"x"}, nil)
	require.Regexp(t, "no such table nope", err)

	_, err = st.Create(ctx, "accounts", schema.Key{"a", "b"}, nil)
	require.IsType(t, &schema.InvalidKeyError{}, err)

	_, err = st.Create(ctx, "accounts", schema.Key{"alice"},
		map[string]interface{}{"bogus": 1})
	require.Regexp(t, "has no column bogus", err)

	// A required column without a default fails, and writes nothing.
	_, err = st.Create(ctx, "transfers", schema.Key{"t1"},
		map[string]interface{}{"amount": "10"})
	require.Equal(t, &schema.NotNullError{Table: "transfers", Column: "src"}, err)

	require.Equal(t, Idle, st.State())
	row, err := st.Find(ctx, "transfers", schema.Key{"t1"})
	require.NoError(t, err)
	require.Nil(t, row)
}

func TestCreateConflictSemantics(t *testing.T) {
	var st, _ = newTestStore(t, Config{})
	var ctx = context.Background()
	st.SetBlock(1)

	var _, err = st.Create(ctx, "accounts", schema.Key{"alice"},
		map[string]interface{}{"balance": 1})
	require.NoError(t, err)

	// A plain duplicate create is a unique violation.
	_, err = st.Create(ctx, "accounts", schema.Key{"alice"},
		map[string]interface{}{"balance": 2})
	require.Equal(t, &UniqueViolationError{Table: "accounts", Key: schema.Key{"alice"}}, err)

	// DoNothing returns the existing row unchanged.
	row, err := st.Create(ctx, "accounts", schema.Key{"alice"},
		map[string]interface{}{"balance": 2}, OnConflictDoNothing())
	require.NoError(t, err)
	require.Equal(t, int64(1), row["balance"])

	// DoUpdate applies the patch over the existing row.
	row, err = st.Create(ctx, "accounts", schema.Key{"alice"},
		map[string]interface{}{"balance": 2}, OnConflictDoUpdate(map[string]interface{}{"balance": 50}))
	require.NoError(t, err)
	require.Equal(t, int64(50), row["balance"])

	// DoUpdateFunc computes the patch from the current row.
	row, err = st.Create(ctx, "accounts", schema.Key{"alice"}, nil,
		OnConflictDoUpdateFunc(func(cur map[string]interface{}) map[string]interface{} {
			return map[string]interface{}{"balance": cur["balance"].(int64) + 1}
		}))
	require.NoError(t, err)
	require.Equal(t, int64(51), row["balance"])
}

func TestCreateConflictAgainstDurableRow(t *testing.T) {
	var st, _ = newTestStore(t, Config{})
	var ctx = context.Background()

	st.SetBlock(1)
	var _, err = st.Create(ctx, "accounts", schema.Key{"alice"},
		map[string]interface{}{"balance": 7})
	require.NoError(t, err)
	require.NoError(t, st.Flush(ctx).Err())

	// The conflict is detected against durable state via read-through.
	st.SetBlock(2)
	_, err = st.Create(ctx, "accounts", schema.Key{"alice"}, nil)
	require.IsType(t, &UniqueViolationError{}, err)

	row, err := st.Create(ctx, "accounts", schema.Key{"alice"}, nil,
		OnConflictDoUpdateFunc(func(cur map[string]interface{}) map[string]interface{} {
			return map[string]interface{}{"balance": cur["balance"].(int64) * 2}
		}))
	require.NoError(t, err)
	require.Equal(t, int64(14), row["balance"])
}

func TestUpdateSemantics(t *testing.T) {
	var st, _ = newTestStore(t, Config{})
	var ctx = context.Background()
	st.SetBlock(1)

	var _, err = st.Update(ctx, "accounts", schema.Key{"ghost"},
		map[string]interface{}{"balance": 1})
	require.Equal(t, &NotFoundError{Table: "accounts", Key: schema.Key{"ghost"}}, err)

	_, err = st.Create(ctx, "accounts", schema.Key{"alice"},
		map[string]interface{}{"balance": 1, "tags": []interface{}{"vip"}})
	require.NoError(t, err)

	// Update patches; untouched columns persist.
	row, err := st.Update(ctx, "accounts", schema.Key{"alice"},
		map[string]interface{}{"balance": 2})
	require.NoError(t, err)
	require.Equal(t, int64(2), row["balance"])
	require.Equal(t, []interface{}{"vip"}, row["tags"])

	// Nulling a NOT NULL column is rejected and changes nothing.
	_, err = st.Update(ctx, "accounts", schema.Key{"alice"},
		map[string]interface{}{"balance": nil})
	require.Equal(t, &schema.NotNullError{Table: "accounts", Column: "balance"}, err)

	found, err := st.Find(ctx, "accounts", schema.Key{"alice"})
	require.NoError(t, err)
	require.Equal(t, int64(2), found["balance"])
}

func TestPatchCannotModifyPrimaryKey(t *testing.T) {
	var st, be = newTestStore(t, Config{})
	var ctx = context.Background()
	st.SetBlock(1)

	var _, err = st.Create(ctx, "accounts", schema.Key{"alice"},
		map[string]interface{}{"balance": 1})
	require.NoError(t, err)

	// A row's key is fixed at Create: a patch can't rewrite it to a new
	// identity, via Update or via conflict handling.
	_, err = st.Update(ctx, "accounts", schema.Key{"alice"},
		map[string]interface{}{"addr": "eve", "balance": 2})
	require.EqualError(t, err, "table accounts: patch cannot modify primary-key column addr")

	_, err = st.Create(ctx, "accounts", schema.Key{"alice"}, nil,
		OnConflictDoUpdate(map[string]interface{}{"addr": "eve"}))
	require.EqualError(t, err, "table accounts: patch cannot modify primary-key column addr")

	// The rejected identity doesn't exist, pending or durable, and the
	// original row is untouched.
	row, err := st.Find(ctx, "accounts", schema.Key{"eve"})
	require.NoError(t, err)
	require.Nil(t, row)

	require.NoError(t, st.Flush(ctx).Err())
	var accounts, _ = st.schema.Table("accounts")
	durable, err := be.Find(ctx, accounts, schema.Key{"eve"})
	require.NoError(t, err)
	require.Nil(t, durable)
	durable, err = be.Find(ctx, accounts, schema.Key{"alice"})
	require.NoError(t, err)
	require.Equal(t, int64(1), durable["balance"])
}

func TestDeleteSemantics(t *testing.T) {
	var st, be = newTestStore(t, Config{})
	var ctx = context.Background()
	st.SetBlock(1)

	var existed, err = st.Delete(ctx, "accounts", schema.Key{"ghost"})
	require.NoError(t, err)
	require.False(t, existed)

	_, err = st.Create(ctx, "accounts", schema.Key{"alice"}, nil)
	require.NoError(t, err)

	existed, err = st.Delete(ctx, "accounts", schema.Key{"alice"})
	require.NoError(t, err)
	require.True(t, existed)

	row, err := st.Find(ctx, "accounts", schema.Key{"alice"})
	require.NoError(t, err)
	require.Nil(t, row)

	// The key is re-creatable after a pending delete.
	_, err = st.Create(ctx, "accounts", schema.Key{"alice"},
		map[string]interface{}{"balance": 9})
	require.NoError(t, err)

	// Deleting a durable row records a pending delete, flushed later.
	require.NoError(t, st.Flush(ctx).Err())
	st.SetBlock(2)
	existed, err = st.Delete(ctx, "accounts", schema.Key{"alice"})
	require.NoError(t, err)
	require.True(t, existed)
	require.NoError(t, st.Flush(ctx).Err())

	var accounts, _ = st.schema.Table("accounts")
	durable, err := be.Find(ctx, accounts, schema.Key{"alice"})
	require.NoError(t, err)
	require.Nil(t, durable)
}

func TestMutationsCoalesceWithinABlock(t *testing.T) {
	var st, _ = newTestStore(t, Config{})
	var ctx = context.Background()
	st.SetBlock(1)

	var _, err = st.Create(ctx, "accounts", schema.Key{"alice"}, nil)
	require.NoError(t, err)
	for i := 0; i != 5; i++ {
		_, err = st.Update(ctx, "accounts", schema.Key{"alice"},
			map[string]interface{}{"balance": i})
		require.NoError(t, err)
	}

	var accounts, _ = st.schema.Table("accounts")
	enc, err := accounts.EncodeKey(schema.Key{"alice"})
	require.NoError(t, err)

	// All block-1 mutations collapsed to one version.
	var e = st.cur.entries[enc]
	require.Len(t, e.versions, 1)
	require.Equal(t, int64(4), e.versions[0].data["balance"])

	// A mutation at the next block starts a new version.
	st.SetBlock(2)
	_, err = st.Update(ctx, "accounts", schema.Key{"alice"},
		map[string]interface{}{"balance": 100})
	require.NoError(t, err)
	require.Len(t, e.versions, 2)
}

func TestFlushThenQueryEquivalence(t *testing.T) {
	var st, be = newTestStore(t, Config{})
	var ctx = context.Background()
	st.SetBlock(1)

	var created, err = st.Create(ctx, "accounts", schema.Key{"alice"}, map[string]interface{}{
		"balance": 42,
		"kind":    "contract",
		"tags":    []interface{}{"a", "b"},
	})
	require.NoError(t, err)
	_, err = st.Create(ctx, "transfers", schema.Key{"t1"}, map[string]interface{}{
		"src":    "alice",
		"amount": "99999999999999999999",
	})
	require.NoError(t, err)

	require.NoError(t, st.Flush(ctx).Err())
	require.Equal(t, backend.Checkpoint{Block: 1}, st.Checkpoint())
	require.Equal(t, Idle, st.State())

	// The store reads identically before and after the flush, and the
	// backend agrees.
	found, err := st.Find(ctx, "accounts", schema.Key{"alice"})
	require.NoError(t, err)
	require.Equal(t, created, found)

	var accounts, _ = st.schema.Table("accounts")
	durable, err := be.Find(ctx, accounts, schema.Key{"alice"})
	require.NoError(t, err)
	require.Equal(t, created, durable)
}

func TestBalanceScenario(t *testing.T) {
	var st, be = newTestStore(t, Config{})
	var ctx = context.Background()

	// Block 1: two accounts with balances {a: 0, b: 5}.
	st.SetBlock(1)
	var _, err = st.Create(ctx, "accounts", schema.Key{"a"}, nil)
	require.NoError(t, err)
	_, err = st.Create(ctx, "accounts", schema.Key{"b"},
		map[string]interface{}{"balance": 5})
	require.NoError(t, err)
	require.NoError(t, st.Flush(ctx).Err())

	// Block 2: credit a by 10.
	st.SetBlock(2)
	_, err = st.UpdateFunc(ctx, "accounts", schema.Key{"a"},
		func(cur map[string]interface{}) map[string]interface{} {
			return map[string]interface{}{"balance": cur["balance"].(int64) + 10}
		})
	require.NoError(t, err)
	require.NoError(t, st.Flush(ctx).Err())

	// Block 3: remove b.
	st.SetBlock(3)
	existed, err := st.Delete(ctx, "accounts", schema.Key{"b"})
	require.NoError(t, err)
	require.True(t, existed)
	require.NoError(t, st.Flush(ctx).Err())

	require.Equal(t, backend.Checkpoint{Block: 3}, st.Checkpoint())

	var accounts, _ = st.schema.Table("accounts")
	row, err := be.Find(ctx, accounts, schema.Key{"a"})
	require.NoError(t, err)
	require.Equal(t, int64(10), row["balance"])

	row, err = be.Find(ctx, accounts, schema.Key{"b"})
	require.NoError(t, err)
	require.Nil(t, row)
}

func TestCreateThenDeleteWithinOneCycle(t *testing.T) {
	var st, be = newTestStore(t, Config{})
	var ctx = context.Background()
	st.SetBlock(1)

	var _, err = st.Create(ctx, "accounts", schema.Key{"flash"}, nil)
	require.NoError(t, err)
	existed, err := st.Delete(ctx, "accounts", schema.Key{"flash"})
	require.NoError(t, err)
	require.True(t, existed)

	require.NoError(t, st.Flush(ctx).Err())

	// No terminal durable effect.
	var accounts, _ = st.schema.Table("accounts")
	row, ferr := be.Find(ctx, accounts, schema.Key{"flash"})
	require.NoError(t, ferr)
	require.Nil(t, row)
}

func TestFindReturnsDefensiveCopies(t *testing.T) {
	var st, _ = newTestStore(t, Config{})
	var ctx = context.Background()
	st.SetBlock(1)

	var _, err = st.Create(ctx, "accounts", schema.Key{"alice"},
		map[string]interface{}{"balance": 1, "tags": []interface{}{"vip", "beta"}})
	require.NoError(t, err)

	row, err := st.Find(ctx, "accounts", schema.Key{"alice"})
	require.NoError(t, err)
	// Caller scribbles on the result, including a list element.
	row["balance"] = int64(999)
	row["tags"].([]interface{})[0] = "evil"

	row, err = st.Find(ctx, "accounts", schema.Key{"alice"})
	require.NoError(t, err)
	require.Equal(t, int64(1), row["balance"])
	require.Equal(t, []interface{}{"vip", "beta"}, row["tags"])
}

func TestFindNormalizesKeyRepresentations(t *testing.T) {
	var st, _ = newTestStore(t, Config{})
	var ctx = context.Background()
	st.SetBlock(1)

	var _, err = st.Create(ctx, "transfers", schema.Key{"t1"},
		map[string]interface{}{"src": "alice", "amount": 10})
	require.NoError(t, err)

	// Amount normalized to its canonical decimal string.
	row, err := st.Find(ctx, "transfers", schema.Key{"t1"})
	require.NoError(t, err)
	require.Equal(t, "10", row["amount"])
}
