package schema

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func emptyIntrospection() *Introspection {
	return &Introspection{Tables: map[string]map[string]bool{}, Indexes: map[string]bool{}}
}

func TestDefaultDictionaryCoversCoreTables(t *testing.T) {
	d := Default()
	for _, name := range []string{
		"ledger",
		"account_balance",
		"account_balance_version",
		"transaction_record",
		"transaction_status",
		"entry_record",
		"ledger_event",
		"block_checkpoint",
		"idempotency_key",
		"outbox",
		"worker_lease",
		"webhook_endpoint",
		"webhook_delivery",
		"reconciliation_result",
		"migration",
	} {
		require.Contains(t, d, name)
	}

	// Every append-only table must be declared.
	for _, name := range ImmutableTables {
		require.Contains(t, d, name)
	}
}

func TestBuildPlanAgainstEmptyDatabaseCreatesEverything(t *testing.T) {
	d := Default()
	plan := BuildPlan(d, emptyIntrospection(), "summa")

	require.False(t, plan.Empty())
	require.Len(t, plan.CreateTables, len(d))
	require.Empty(t, plan.AddColumns)

	sql := plan.UpSQL()
	require.NotEmpty(t, sql)
	// Fresh database gets the immutability triggers appended.
	joined := strings.Join(sql, ";\n")
	require.Contains(t, joined, "summa_forbid_mutation")
	require.Contains(t, joined, "trg_entry_record_immutable")
}

func TestBuildPlanAddsOnlyMissingPieces(t *testing.T) {
	d := Dictionary{
		"outbox": &Table{
			Name: "outbox",
			Columns: []Column{
				{Name: "id", Type: TypeUUID, PrimaryKey: true},
				{Name: "topic", Type: TypeText, NotNull: true},
				{Name: "last_error", Type: TypeText},
			},
			Indexes: []Index{
				{Name: "ix_outbox_pending", Columns: []string{"created_at"}, Where: "processed_at IS NULL"},
			},
		},
	}
	intro := &Introspection{
		Tables:  map[string]map[string]bool{"outbox": {"id": true, "topic": true}},
		Indexes: map[string]bool{},
	}

	plan := BuildPlan(d, intro, "summa")
	require.Empty(t, plan.CreateTables)
	require.Len(t, plan.AddColumns, 1)
	require.Equal(t, "last_error", plan.AddColumns[0].Column.Name)
	require.Len(t, plan.AddIndexes, 1)

	sql := plan.UpSQL()
	require.Contains(t, sql[0], `ALTER TABLE outbox ADD COLUMN IF NOT EXISTS "last_error" text`)
	require.Contains(t, sql[1], "WHERE processed_at IS NULL")
	// No table creation means no trigger reinstall.
	require.NotContains(t, strings.Join(sql, ";"), "summa_forbid_mutation")
}

func TestBuildPlanUpToDateIsEmpty(t *testing.T) {
	d := Default()
	intro := emptyIntrospection()
	for name, table := range d {
		cols := map[string]bool{}
		for _, c := range table.Columns {
			cols[c.Name] = true
		}
		intro.Tables[name] = cols
		for _, idx := range table.Indexes {
			intro.Indexes[idx.Name] = true
		}
	}

	plan := BuildPlan(d, intro, "summa")
	require.True(t, plan.Empty())
	require.Empty(t, plan.UpSQL())
}

func TestCreateTableSQLCompositeKeyAndQuoting(t *testing.T) {
	d := Default()
	sql := createTableSQL(d["idempotency_key"])
	require.Contains(t, sql, `PRIMARY KEY ("ledger_id", "key")`)
	require.Contains(t, sql, `"key" text NOT NULL`)
}

func TestCreateIndexSQL(t *testing.T) {
	sql := createIndexSQL(IndexChange{
		Table: "transaction_record",
		Index: Index{Name: "ux_transaction_reference", Columns: []string{"ledger_id", "reference"}, Unique: true},
	})
	require.Equal(t,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_transaction_reference ON transaction_record ("ledger_id", "reference")`,
		sql)
}

func TestDownSQLReversesUp(t *testing.T) {
	d := Dictionary{
		"outbox": &Table{Name: "outbox", Columns: []Column{{Name: "id", Type: TypeUUID, PrimaryKey: true}}},
	}
	plan := BuildPlan(d, emptyIntrospection(), "summa")
	down := plan.DownSQL()
	require.Equal(t, []string{"DROP TABLE IF EXISTS outbox"}, down)
}

func TestPlanHashIsStable(t *testing.T) {
	a := BuildPlan(Default(), emptyIntrospection(), "summa")
	b := BuildPlan(Default(), emptyIntrospection(), "summa")
	require.Equal(t, a.Hash(), b.Hash())
	require.Len(t, a.Hash(), 16)

	empty := &Plan{}
	require.NotEqual(t, a.Hash(), empty.Hash())
}

func TestDictionaryMerge(t *testing.T) {
	d := Default()

	err := d.Merge(Extension{Table: Table{
		Name:    "plugin_audit",
		Columns: []Column{{Name: "id", Type: TypeUUID, PrimaryKey: true}},
	}})
	require.NoError(t, err)
	require.Contains(t, d, "plugin_audit")

	// New table colliding with an existing name fails.
	err = d.Merge(Extension{Table: Table{Name: "outbox"}})
	require.Error(t, err)

	// Extending adds the column; duplicate columns fail.
	err = d.Merge(Extension{Extend: true, Table: Table{
		Name:    "outbox",
		Columns: []Column{{Name: "tenant_id", Type: TypeUUID}},
	}})
	require.NoError(t, err)
	require.NotNil(t, d["outbox"].Column("tenant_id"))

	err = d.Merge(Extension{Extend: true, Table: Table{
		Name:    "outbox",
		Columns: []Column{{Name: "tenant_id", Type: TypeUUID}},
	}})
	require.Error(t, err)

	err = d.Merge(Extension{Extend: true, Table: Table{Name: "no_such_table"}})
	require.Error(t, err)
}

func TestAccountBalanceCachedColumnsStayMutable(t *testing.T) {
	// The guard trigger must list every non-cached column, and none of the
	// cached mirror columns.
	for _, col := range accountBalanceImmutableColumns {
		require.False(t, strings.HasPrefix(col, "cached_"), col)
		require.NotNil(t, Default()["account_balance"].Column(col), col)
	}
}
