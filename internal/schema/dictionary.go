// Package schema holds the declarative table dictionary of the ledger and
// the additive migrator that reconciles a live database against it.
// Migrations only ever create tables, add columns and add indexes; the
// immutability triggers generated here are what make the ledger
// append-only at the database level.
package schema

import (
	"fmt"
	"sort"
)

// ColumnType enumerates the column types the dictionary may use.
type ColumnType string

const (
	TypeUUID      ColumnType = "uuid"
	TypeText      ColumnType = "text"
	TypeBigint    ColumnType = "bigint"
	TypeInteger   ColumnType = "integer"
	TypeBoolean   ColumnType = "boolean"
	TypeTimestamp ColumnType = "timestamp"
	TypeJSONB     ColumnType = "jsonb"
	TypeSerial    ColumnType = "serial"
	TypeDouble    ColumnType = "double"
	TypeTSVector  ColumnType = "tsvector"
)

// Column is one declared column.
type Column struct {
	Name       string
	Type       ColumnType
	NotNull    bool
	Default    string
	PrimaryKey bool
	References string // "table(column)"
}

// Index is one declared index.
type Index struct {
	Name    string
	Columns []string
	Unique  bool
	Where   string // partial index predicate, optional
}

// Table is one declared table. CompositeKey, when set, overrides the
// single PrimaryKey column flag.
type Table struct {
	Name         string
	Columns      []Column
	Indexes      []Index
	CompositeKey []string
}

// Column returns the declared column by name, or nil.
func (t *Table) Column(name string) *Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// Dictionary maps table name to definition.
type Dictionary map[string]*Table

// TableNames returns the table names in deterministic order.
func (d Dictionary) TableNames() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Extension is a plugin contribution: either a brand-new table, or (with
// Extend set) additional columns/indexes on an existing one.
type Extension struct {
	Table  Table
	Extend bool
}

// Merge applies extensions to the dictionary. It fails on any collision:
// a new table that already exists, or an extension adding a column or
// index whose name is taken.
func (d Dictionary) Merge(exts ...Extension) error {
	for _, ext := range exts {
		existing, ok := d[ext.Table.Name]
		if !ext.Extend {
			if ok {
				return fmt.Errorf("schema: table %q already defined", ext.Table.Name)
			}
			t := ext.Table
			d[t.Name] = &t
			continue
		}
		if !ok {
			return fmt.Errorf("schema: cannot extend unknown table %q", ext.Table.Name)
		}
		for _, col := range ext.Table.Columns {
			if existing.Column(col.Name) != nil {
				return fmt.Errorf("schema: column %s.%s already defined", existing.Name, col.Name)
			}
			existing.Columns = append(existing.Columns, col)
		}
		for _, idx := range ext.Table.Indexes {
			for _, have := range existing.Indexes {
				if have.Name == idx.Name {
					return fmt.Errorf("schema: index %q already defined", idx.Name)
				}
			}
			existing.Indexes = append(existing.Indexes, idx)
		}
	}
	return nil
}

// Default returns the full table dictionary of the ledger core.
func Default() Dictionary {
	d := Dictionary{}

	d["ledger"] = &Table{
		Name: "ledger",
		Columns: []Column{
			{Name: "id", Type: TypeUUID, PrimaryKey: true, Default: "gen_random_uuid()"},
			{Name: "name", Type: TypeText, NotNull: true},
			{Name: "metadata", Type: TypeJSONB},
			{Name: "created_at", Type: TypeTimestamp, NotNull: true, Default: "now()"},
		},
	}

	d["account_balance"] = &Table{
		Name: "account_balance",
		Columns: []Column{
			{Name: "id", Type: TypeUUID, PrimaryKey: true, Default: "gen_random_uuid()"},
			{Name: "ledger_id", Type: TypeUUID, NotNull: true, References: "ledger(id)"},
			{Name: "holder_id", Type: TypeText, NotNull: true},
			{Name: "holder_type", Type: TypeText, NotNull: true},
			{Name: "currency", Type: TypeText, NotNull: true},
			{Name: "allow_overdraft", Type: TypeBoolean, NotNull: true, Default: "false"},
			{Name: "overdraft_limit", Type: TypeBigint, NotNull: true, Default: "0"},
			{Name: "account_type", Type: TypeText},
			{Name: "account_code", Type: TypeText},
			{Name: "parent_account_id", Type: TypeUUID},
			{Name: "normal_balance", Type: TypeText},
			{Name: "indicator", Type: TypeText},
			{Name: "metadata", Type: TypeJSONB},
			{Name: "created_at", Type: TypeTimestamp, NotNull: true, Default: "now()"},
			// Denormalized mirror of the latest version row. These are the
			// only columns the immutability trigger lets change.
			{Name: "cached_version", Type: TypeBigint},
			{Name: "cached_balance", Type: TypeBigint},
			{Name: "cached_credit_balance", Type: TypeBigint},
			{Name: "cached_debit_balance", Type: TypeBigint},
			{Name: "cached_pending_credit", Type: TypeBigint},
			{Name: "cached_pending_debit", Type: TypeBigint},
			{Name: "cached_status", Type: TypeText},
			{Name: "cached_checksum", Type: TypeText},
		},
		Indexes: []Index{
			{Name: "ux_account_balance_holder", Columns: []string{"ledger_id", "holder_id", "currency"}, Unique: true},
			{Name: "ix_account_balance_ledger_created", Columns: []string{"ledger_id", "created_at", "id"}},
			{Name: "ix_account_balance_holder_type", Columns: []string{"ledger_id", "holder_type"}},
		},
	}

	d["account_balance_version"] = &Table{
		Name:         "account_balance_version",
		CompositeKey: []string{"account_id", "version"},
		Columns: []Column{
			{Name: "account_id", Type: TypeUUID, NotNull: true, References: "account_balance(id)"},
			{Name: "version", Type: TypeBigint, NotNull: true},
			{Name: "balance", Type: TypeBigint, NotNull: true},
			{Name: "credit_balance", Type: TypeBigint, NotNull: true, Default: "0"},
			{Name: "debit_balance", Type: TypeBigint, NotNull: true, Default: "0"},
			{Name: "pending_credit", Type: TypeBigint, NotNull: true, Default: "0"},
			{Name: "pending_debit", Type: TypeBigint, NotNull: true, Default: "0"},
			{Name: "status", Type: TypeText, NotNull: true},
			{Name: "checksum", Type: TypeText},
			{Name: "freeze_reason", Type: TypeText},
			{Name: "frozen_by", Type: TypeText},
			{Name: "frozen_at", Type: TypeTimestamp},
			{Name: "close_reason", Type: TypeText},
			{Name: "closed_by", Type: TypeText},
			{Name: "closed_at", Type: TypeTimestamp},
			{Name: "change_type", Type: TypeText, NotNull: true},
			{Name: "created_at", Type: TypeTimestamp, NotNull: true, Default: "now()"},
		},
		Indexes: []Index{
			{Name: "ix_abv_account_created", Columns: []string{"account_id", "created_at"}},
		},
	}

	d["transaction_record"] = &Table{
		Name: "transaction_record",
		Columns: []Column{
			{Name: "id", Type: TypeUUID, PrimaryKey: true, Default: "gen_random_uuid()"},
			{Name: "ledger_id", Type: TypeUUID, NotNull: true, References: "ledger(id)"},
			{Name: "type", Type: TypeText, NotNull: true},
			{Name: "reference", Type: TypeText, NotNull: true},
			{Name: "amount", Type: TypeBigint, NotNull: true},
			{Name: "currency", Type: TypeText, NotNull: true},
			{Name: "description", Type: TypeText},
			{Name: "category", Type: TypeText},
			{Name: "correlation_id", Type: TypeText},
			{Name: "source_account_id", Type: TypeUUID},
			{Name: "destination_account_id", Type: TypeUUID},
			{Name: "is_hold", Type: TypeBoolean, NotNull: true, Default: "false"},
			{Name: "hold_expires_at", Type: TypeTimestamp},
			{Name: "parent_id", Type: TypeUUID},
			{Name: "is_reversal", Type: TypeBoolean, NotNull: true, Default: "false"},
			{Name: "effective_date", Type: TypeTimestamp, NotNull: true, Default: "now()"},
			{Name: "created_at", Type: TypeTimestamp, NotNull: true, Default: "now()"},
			{Name: "metadata", Type: TypeJSONB},
		},
		Indexes: []Index{
			{Name: "ux_transaction_reference", Columns: []string{"ledger_id", "reference"}, Unique: true},
			{Name: "ix_transaction_parent", Columns: []string{"parent_id"}, Where: "parent_id IS NOT NULL"},
			{Name: "ix_transaction_hold_expiry", Columns: []string{"hold_expires_at"}, Where: "is_hold AND hold_expires_at IS NOT NULL"},
			{Name: "ix_transaction_ledger_created", Columns: []string{"ledger_id", "created_at"}},
		},
	}

	d["transaction_status"] = &Table{
		Name: "transaction_status",
		Columns: []Column{
			{Name: "id", Type: TypeUUID, PrimaryKey: true, Default: "gen_random_uuid()"},
			{Name: "transaction_id", Type: TypeUUID, NotNull: true, References: "transaction_record(id)"},
			{Name: "status", Type: TypeText, NotNull: true},
			{Name: "reason", Type: TypeText},
			{Name: "created_at", Type: TypeTimestamp, NotNull: true, Default: "now()"},
		},
		Indexes: []Index{
			{Name: "ix_transaction_status_tx", Columns: []string{"transaction_id", "created_at"}},
		},
	}

	d["entry_record"] = &Table{
		Name: "entry_record",
		Columns: []Column{
			{Name: "id", Type: TypeUUID, PrimaryKey: true, Default: "gen_random_uuid()"},
			{Name: "transaction_id", Type: TypeUUID, NotNull: true, References: "transaction_record(id)"},
			{Name: "account_id", Type: TypeUUID, NotNull: true, References: "account_balance(id)"},
			{Name: "entry_type", Type: TypeText, NotNull: true},
			{Name: "amount", Type: TypeBigint, NotNull: true},
			{Name: "balance_before", Type: TypeBigint, NotNull: true},
			{Name: "balance_after", Type: TypeBigint, NotNull: true},
			{Name: "account_version", Type: TypeBigint, NotNull: true},
			{Name: "sequence_number", Type: TypeSerial},
			{Name: "hash", Type: TypeText},
			{Name: "prev_hash", Type: TypeText},
			{Name: "original_amount", Type: TypeBigint},
			{Name: "original_currency", Type: TypeText},
			{Name: "exchange_rate", Type: TypeDouble},
			{Name: "is_hot", Type: TypeBoolean, NotNull: true, Default: "false"},
			{Name: "created_at", Type: TypeTimestamp, NotNull: true, Default: "now()"},
		},
		Indexes: []Index{
			{Name: "ux_entry_sequence", Columns: []string{"sequence_number"}, Unique: true},
			{Name: "ix_entry_account_created", Columns: []string{"account_id", "created_at"}},
			{Name: "ix_entry_transaction", Columns: []string{"transaction_id"}},
			{Name: "ix_entry_tx_account_dir", Columns: []string{"transaction_id", "account_id", "entry_type"}},
		},
	}

	d["ledger_event"] = &Table{
		Name: "ledger_event",
		Columns: []Column{
			{Name: "id", Type: TypeUUID, PrimaryKey: true, Default: "gen_random_uuid()"},
			{Name: "aggregate_type", Type: TypeText, NotNull: true},
			{Name: "aggregate_id", Type: TypeText, NotNull: true},
			{Name: "event_type", Type: TypeText, NotNull: true},
			{Name: "event_data", Type: TypeJSONB, NotNull: true},
			{Name: "sequence_number", Type: TypeBigint, NotNull: true},
			{Name: "global_sequence", Type: TypeSerial},
			{Name: "prev_hash", Type: TypeText},
			{Name: "event_hash", Type: TypeText, NotNull: true},
			{Name: "correlation_id", Type: TypeText},
			{Name: "created_at", Type: TypeTimestamp, NotNull: true, Default: "now()"},
		},
		Indexes: []Index{
			{Name: "ux_event_aggregate_seq", Columns: []string{"aggregate_type", "aggregate_id", "sequence_number"}, Unique: true},
			{Name: "ux_event_global_seq", Columns: []string{"global_sequence"}, Unique: true},
			{Name: "ix_event_created", Columns: []string{"created_at"}},
		},
	}

	d["block_checkpoint"] = &Table{
		Name: "block_checkpoint",
		Columns: []Column{
			{Name: "id", Type: TypeUUID, PrimaryKey: true, Default: "gen_random_uuid()"},
			{Name: "ledger_id", Type: TypeUUID},
			{Name: "block_sequence", Type: TypeBigint, NotNull: true},
			{Name: "from_event_sequence", Type: TypeBigint, NotNull: true},
			{Name: "to_event_sequence", Type: TypeBigint, NotNull: true},
			{Name: "event_count", Type: TypeBigint, NotNull: true},
			{Name: "events_hash", Type: TypeText, NotNull: true},
			{Name: "block_hash", Type: TypeText, NotNull: true},
			{Name: "merkle_root", Type: TypeText},
			{Name: "prev_block_id", Type: TypeUUID},
			{Name: "prev_block_hash", Type: TypeText},
			{Name: "block_at", Type: TypeTimestamp, NotNull: true, Default: "now()"},
			{Name: "sealed_at", Type: TypeTimestamp, NotNull: true, Default: "now()"},
		},
		Indexes: []Index{
			{Name: "ux_block_sequence", Columns: []string{"block_sequence"}, Unique: true},
			{Name: "ix_block_sealed", Columns: []string{"sealed_at"}},
		},
	}

	d["idempotency_key"] = &Table{
		Name:         "idempotency_key",
		CompositeKey: []string{"ledger_id", "key"},
		Columns: []Column{
			{Name: "ledger_id", Type: TypeUUID, NotNull: true},
			{Name: "key", Type: TypeText, NotNull: true},
			{Name: "response", Type: TypeJSONB, NotNull: true},
			{Name: "status_code", Type: TypeInteger, NotNull: true, Default: "201"},
			{Name: "expires_at", Type: TypeTimestamp, NotNull: true},
			{Name: "created_at", Type: TypeTimestamp, NotNull: true, Default: "now()"},
		},
		Indexes: []Index{
			{Name: "ix_idempotency_expiry", Columns: []string{"expires_at"}},
		},
	}

	d["outbox"] = &Table{
		Name: "outbox",
		Columns: []Column{
			{Name: "id", Type: TypeUUID, PrimaryKey: true},
			{Name: "topic", Type: TypeText, NotNull: true},
			{Name: "payload", Type: TypeJSONB, NotNull: true},
			{Name: "status", Type: TypeText, NotNull: true, Default: "'pending'"},
			{Name: "retry_count", Type: TypeInteger, NotNull: true, Default: "0"},
			{Name: "last_error", Type: TypeText},
			{Name: "processed_at", Type: TypeTimestamp},
			{Name: "created_at", Type: TypeTimestamp, NotNull: true, Default: "now()"},
		},
		Indexes: []Index{
			{Name: "ix_outbox_pending", Columns: []string{"created_at"}, Where: "processed_at IS NULL"},
		},
	}

	d["processed_event"] = &Table{
		Name:         "processed_event",
		CompositeKey: []string{"id", "topic"},
		Columns: []Column{
			{Name: "id", Type: TypeUUID, NotNull: true},
			{Name: "topic", Type: TypeText, NotNull: true},
			{Name: "processed_at", Type: TypeTimestamp, NotNull: true, Default: "now()"},
		},
		Indexes: []Index{
			{Name: "ix_processed_event_age", Columns: []string{"processed_at"}},
		},
	}

	d["dead_letter_queue"] = &Table{
		Name: "dead_letter_queue",
		Columns: []Column{
			{Name: "id", Type: TypeUUID, PrimaryKey: true, Default: "gen_random_uuid()"},
			{Name: "outbox_id", Type: TypeUUID, NotNull: true},
			{Name: "topic", Type: TypeText, NotNull: true},
			{Name: "payload", Type: TypeJSONB, NotNull: true},
			{Name: "error_message", Type: TypeText},
			{Name: "retry_count", Type: TypeInteger, NotNull: true, Default: "0"},
			{Name: "created_at", Type: TypeTimestamp, NotNull: true, Default: "now()"},
		},
	}

	d["worker_lease"] = &Table{
		Name: "worker_lease",
		Columns: []Column{
			{Name: "worker_id", Type: TypeText, PrimaryKey: true},
			{Name: "lease_holder", Type: TypeText, NotNull: true},
			{Name: "lease_until", Type: TypeTimestamp, NotNull: true},
		},
	}

	d["rate_limit_log"] = &Table{
		Name: "rate_limit_log",
		Columns: []Column{
			{Name: "id", Type: TypeSerial, PrimaryKey: true},
			{Name: "key", Type: TypeText, NotNull: true},
			{Name: "created_at", Type: TypeTimestamp, NotNull: true, Default: "now()"},
		},
		Indexes: []Index{
			{Name: "ix_rate_limit_key_created", Columns: []string{"key", "created_at"}},
		},
	}

	d["reconciliation_watermark"] = &Table{
		Name: "reconciliation_watermark",
		Columns: []Column{
			{Name: "id", Type: TypeInteger, PrimaryKey: true},
			{Name: "last_entry_at", Type: TypeTimestamp},
			{Name: "run_count", Type: TypeBigint, NotNull: true, Default: "0"},
			{Name: "updated_at", Type: TypeTimestamp, NotNull: true, Default: "now()"},
		},
	}

	d["reconciliation_result"] = &Table{
		Name: "reconciliation_result",
		Columns: []Column{
			{Name: "id", Type: TypeUUID, PrimaryKey: true, Default: "gen_random_uuid()"},
			{Name: "run_type", Type: TypeText, NotNull: true},
			{Name: "status", Type: TypeText, NotNull: true},
			{Name: "total_mismatches", Type: TypeBigint, NotNull: true, Default: "0"},
			{Name: "details", Type: TypeJSONB},
			{Name: "started_at", Type: TypeTimestamp, NotNull: true},
			{Name: "finished_at", Type: TypeTimestamp, NotNull: true, Default: "now()"},
		},
		Indexes: []Index{
			{Name: "ix_reconciliation_finished", Columns: []string{"finished_at"}},
		},
	}

	d["hot_account_entry"] = &Table{
		Name: "hot_account_entry",
		Columns: []Column{
			{Name: "id", Type: TypeUUID, PrimaryKey: true, Default: "gen_random_uuid()"},
			{Name: "account_id", Type: TypeUUID, NotNull: true, References: "account_balance(id)"},
			{Name: "transaction_id", Type: TypeUUID, NotNull: true},
			{Name: "entry_type", Type: TypeText, NotNull: true},
			{Name: "amount", Type: TypeBigint, NotNull: true},
			{Name: "status", Type: TypeText, NotNull: true, Default: "'pending'"},
			{Name: "created_at", Type: TypeTimestamp, NotNull: true, Default: "now()"},
			{Name: "settled_at", Type: TypeTimestamp},
		},
		Indexes: []Index{
			{Name: "ix_hot_entry_pending", Columns: []string{"account_id", "created_at"}, Where: "status = 'pending'"},
		},
	}

	d["webhook_endpoint"] = &Table{
		Name: "webhook_endpoint",
		Columns: []Column{
			{Name: "id", Type: TypeUUID, PrimaryKey: true, Default: "gen_random_uuid()"},
			{Name: "url", Type: TypeText, NotNull: true},
			{Name: "secret", Type: TypeText, NotNull: true},
			{Name: "topics", Type: TypeJSONB},
			{Name: "active", Type: TypeBoolean, NotNull: true, Default: "true"},
			{Name: "created_at", Type: TypeTimestamp, NotNull: true, Default: "now()"},
		},
	}

	d["webhook_delivery"] = &Table{
		Name: "webhook_delivery",
		Columns: []Column{
			{Name: "id", Type: TypeUUID, PrimaryKey: true, Default: "gen_random_uuid()"},
			{Name: "endpoint_id", Type: TypeUUID, NotNull: true, References: "webhook_endpoint(id)"},
			{Name: "outbox_id", Type: TypeUUID, NotNull: true},
			{Name: "topic", Type: TypeText, NotNull: true},
			{Name: "payload", Type: TypeJSONB, NotNull: true},
			{Name: "attempt", Type: TypeInteger, NotNull: true, Default: "0"},
			{Name: "status", Type: TypeText, NotNull: true, Default: "'pending'"},
			{Name: "next_attempt_at", Type: TypeTimestamp, NotNull: true, Default: "now()"},
			{Name: "last_error", Type: TypeText},
			{Name: "created_at", Type: TypeTimestamp, NotNull: true, Default: "now()"},
			{Name: "delivered_at", Type: TypeTimestamp},
		},
		Indexes: []Index{
			{Name: "ix_webhook_delivery_due", Columns: []string{"next_attempt_at"}, Where: "status = 'pending'"},
		},
	}

	d["migration"] = &Table{
		Name: "migration",
		Columns: []Column{
			{Name: "id", Type: TypeSerial, PrimaryKey: true},
			{Name: "name", Type: TypeText, NotNull: true},
			{Name: "hash", Type: TypeText, NotNull: true},
			{Name: "applied_at", Type: TypeTimestamp, NotNull: true, Default: "now()"},
		},
		Indexes: []Index{
			{Name: "ux_migration_name", Columns: []string{"name"}, Unique: true},
		},
	}

	return d
}
