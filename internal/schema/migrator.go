package schema

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/summa-ledger/summad/internal/storage/sqldb"
)

// Introspection is what currently exists in the database.
type Introspection struct {
	// Tables maps table name to the set of its column names.
	Tables map[string]map[string]bool
	// Indexes is the set of index names in the schema.
	Indexes map[string]bool
}

// Introspect reads the live table/column/index inventory for schemaName.
func Introspect(ctx context.Context, ex sqldb.Executor, schemaName string) (*Introspection, error) {
	intro := &Introspection{
		Tables:  map[string]map[string]bool{},
		Indexes: map[string]bool{},
	}

	rows, err := ex.QueryContext(ctx, `
		SELECT table_name, column_name
		FROM information_schema.columns
		WHERE table_schema = $1`, schemaName)
	if err != nil {
		return nil, sqldb.NewQueryError("introspect", "failed to read columns", err)
	}
	defer rows.Close()
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return nil, sqldb.NewQueryError("introspect", "failed to scan column row", err)
		}
		if intro.Tables[table] == nil {
			intro.Tables[table] = map[string]bool{}
		}
		intro.Tables[table][column] = true
	}
	if err := rows.Err(); err != nil {
		return nil, sqldb.NewQueryError("introspect", "error iterating columns", err)
	}

	idxRows, err := ex.QueryContext(ctx,
		`SELECT indexname FROM pg_indexes WHERE schemaname = $1`, schemaName)
	if err != nil {
		return nil, sqldb.NewQueryError("introspect", "failed to read indexes", err)
	}
	defer idxRows.Close()
	for idxRows.Next() {
		var name string
		if err := idxRows.Scan(&name); err != nil {
			return nil, sqldb.NewQueryError("introspect", "failed to scan index row", err)
		}
		intro.Indexes[name] = true
	}
	if err := idxRows.Err(); err != nil {
		return nil, sqldb.NewQueryError("introspect", "error iterating indexes", err)
	}

	return intro, nil
}

// ColumnChange is an ADD COLUMN step.
type ColumnChange struct {
	Table  string
	Column Column
}

// IndexChange is an ADD INDEX step.
type IndexChange struct {
	Table string
	Index Index
}

// Plan is the additive set of changes that brings the database up to the
// dictionary. It never drops or alters existing objects.
type Plan struct {
	Schema       string
	CreateTables []*Table
	AddColumns   []ColumnChange
	AddIndexes   []IndexChange
}

// Empty reports whether the plan contains no work.
func (p *Plan) Empty() bool {
	return len(p.CreateTables) == 0 && len(p.AddColumns) == 0 && len(p.AddIndexes) == 0
}

// BuildPlan diffs the dictionary against the introspection result.
func BuildPlan(dict Dictionary, intro *Introspection, schemaName string) *Plan {
	plan := &Plan{Schema: schemaName}
	for _, name := range dict.TableNames() {
		table := dict[name]
		existing, ok := intro.Tables[name]
		if !ok {
			plan.CreateTables = append(plan.CreateTables, table)
			for _, idx := range table.Indexes {
				plan.AddIndexes = append(plan.AddIndexes, IndexChange{Table: name, Index: idx})
			}
			continue
		}
		for _, col := range table.Columns {
			if !existing[col.Name] {
				plan.AddColumns = append(plan.AddColumns, ColumnChange{Table: name, Column: col})
			}
		}
		for _, idx := range table.Indexes {
			if !intro.Indexes[idx.Name] {
				plan.AddIndexes = append(plan.AddIndexes, IndexChange{Table: name, Index: idx})
			}
		}
	}
	return plan
}

func columnSQL(c Column) string {
	var b strings.Builder
	b.WriteString(quoteIdent(c.Name))
	b.WriteByte(' ')
	b.WriteString(sqlType(c.Type))
	if c.PrimaryKey {
		b.WriteString(" PRIMARY KEY")
	}
	if c.NotNull && !c.PrimaryKey {
		b.WriteString(" NOT NULL")
	}
	if c.Default != "" && c.Type != TypeSerial {
		b.WriteString(" DEFAULT " + c.Default)
	}
	if c.References != "" {
		b.WriteString(" REFERENCES " + c.References)
	}
	return b.String()
}

func sqlType(t ColumnType) string {
	switch t {
	case TypeUUID:
		return "uuid"
	case TypeText:
		return "text"
	case TypeBigint:
		return "bigint"
	case TypeInteger:
		return "integer"
	case TypeBoolean:
		return "boolean"
	case TypeTimestamp:
		return "timestamptz"
	case TypeJSONB:
		return "jsonb"
	case TypeSerial:
		return "bigserial"
	case TypeDouble:
		return "double precision"
	case TypeTSVector:
		return "tsvector"
	}
	return string(t)
}

// quoteIdent quotes a column name. Needed because the dictionary uses
// reserved words like "key" and "type".
func quoteIdent(name string) string { return `"` + name + `"` }

func createTableSQL(t *Table) string {
	parts := make([]string, 0, len(t.Columns)+1)
	for _, col := range t.Columns {
		parts = append(parts, "\t"+columnSQL(col))
	}
	if len(t.CompositeKey) > 0 {
		quoted := make([]string, len(t.CompositeKey))
		for i, c := range t.CompositeKey {
			quoted[i] = quoteIdent(c)
		}
		parts = append(parts, "\tPRIMARY KEY ("+strings.Join(quoted, ", ")+")")
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n)", t.Name, strings.Join(parts, ",\n"))
}

func createIndexSQL(ch IndexChange) string {
	unique := ""
	if ch.Index.Unique {
		unique = "UNIQUE "
	}
	quoted := make([]string, len(ch.Index.Columns))
	for i, c := range ch.Index.Columns {
		quoted[i] = quoteIdent(c)
	}
	stmt := fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)",
		unique, ch.Index.Name, ch.Table, strings.Join(quoted, ", "))
	if ch.Index.Where != "" {
		stmt += " WHERE " + ch.Index.Where
	}
	return stmt
}

// UpSQL renders the plan as ordered statements, ending with the
// immutability triggers when any immutable table is being created.
func (p *Plan) UpSQL() []string {
	var stmts []string
	for _, t := range p.CreateTables {
		stmts = append(stmts, createTableSQL(t))
	}
	for _, ch := range p.AddColumns {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s", ch.Table, columnSQL(ch.Column)))
	}
	for _, ch := range p.AddIndexes {
		stmts = append(stmts, createIndexSQL(ch))
	}
	if p.createsImmutableTable() {
		stmts = append(stmts, ImmutabilityTriggerSQL()...)
	}
	return stmts
}

func (p *Plan) createsImmutableTable() bool {
	for _, t := range p.CreateTables {
		for _, im := range ImmutableTables {
			if t.Name == im {
				return true
			}
		}
		if t.Name == "account_balance" {
			return true
		}
	}
	return false
}

// DownSQL renders the reverse of the plan: drop added indexes, columns
// and tables in reverse order. Only objects this plan added are touched.
func (p *Plan) DownSQL() []string {
	var stmts []string
	for i := len(p.AddIndexes) - 1; i >= 0; i-- {
		stmts = append(stmts, "DROP INDEX IF EXISTS "+p.AddIndexes[i].Index.Name)
	}
	for i := len(p.AddColumns) - 1; i >= 0; i-- {
		ch := p.AddColumns[i]
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s DROP COLUMN IF EXISTS %s", ch.Table, quoteIdent(ch.Column.Name)))
	}
	for i := len(p.CreateTables) - 1; i >= 0; i-- {
		stmts = append(stmts, "DROP TABLE IF EXISTS "+p.CreateTables[i].Name)
	}
	return stmts
}

// Hash is the truncated SHA-256 of the plan's up statements, recorded in
// the migration table alongside the name.
func (p *Plan) Hash() string {
	sum := sha256.Sum256([]byte(strings.Join(p.UpSQL(), ";\n")))
	return hex.EncodeToString(sum[:])[:16]
}

// Summary describes the plan for logs and the migrate CLI.
func (p *Plan) Summary() string {
	tables := make([]string, len(p.CreateTables))
	for i, t := range p.CreateTables {
		tables[i] = t.Name
	}
	sort.Strings(tables)
	return fmt.Sprintf("create %d tables %v, add %d columns, add %d indexes",
		len(p.CreateTables), tables, len(p.AddColumns), len(p.AddIndexes))
}

// Migrator applies additive plans and records them.
type Migrator struct {
	db   *sqldb.DB
	dict Dictionary
	log  *zap.Logger
}

// NewMigrator creates a migrator over the given dictionary.
func NewMigrator(db *sqldb.DB, dict Dictionary, log *zap.Logger) *Migrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Migrator{db: db, dict: dict, log: log}
}

// Plan introspects the database and diffs it against the dictionary.
func (m *Migrator) Plan(ctx context.Context) (*Plan, error) {
	if err := m.ensureSchema(ctx); err != nil {
		return nil, err
	}
	intro, err := Introspect(ctx, m.db, m.db.Schema())
	if err != nil {
		return nil, err
	}
	return BuildPlan(m.dict, intro, m.db.Schema()), nil
}

// Apply runs the plan in one transaction and records it in the migration
// table under name.
func (m *Migrator) Apply(ctx context.Context, name string, plan *Plan) error {
	if plan.Empty() {
		m.log.Info("schema up to date, nothing to apply")
		return nil
	}
	m.log.Info("applying migration plan",
		zap.String("name", name),
		zap.String("hash", plan.Hash()),
		zap.String("summary", plan.Summary()))

	return m.db.WithTransaction(ctx, func(tx *sqldb.Tx) error {
		for _, stmt := range plan.UpSQL() {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return sqldb.NewQueryError("migrate", "failed to execute migration statement", err)
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO migration (name, hash) VALUES ($1, $2)
			ON CONFLICT (name) DO NOTHING`, name, plan.Hash())
		return err
	})
}

// Up plans and applies in one step; the migration name is derived from
// the plan hash so re-running an identical plan is a no-op.
func (m *Migrator) Up(ctx context.Context) error {
	plan, err := m.Plan(ctx)
	if err != nil {
		return err
	}
	if plan.Empty() {
		return nil
	}
	return m.Apply(ctx, "additive_"+plan.Hash(), plan)
}

func (m *Migrator) ensureSchema(ctx context.Context) error {
	stmts := []string{
		"CREATE SCHEMA IF NOT EXISTS " + m.db.Schema(),
		`CREATE EXTENSION IF NOT EXISTS pgcrypto`,
		`CREATE TABLE IF NOT EXISTS migration (
			id bigserial PRIMARY KEY,
			name text NOT NULL,
			hash text NOT NULL,
			applied_at timestamptz NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return sqldb.NewQueryError("migrate", "failed to prepare schema", err)
		}
	}
	return nil
}
