package schema

import (
	"fmt"
	"strings"
)

// ImmutableTables are fully append-only: any UPDATE or DELETE raises.
// account_balance is handled separately because its cached_* columns are
// allowed to change.
var ImmutableTables = []string{
	"account_balance_version",
	"transaction_record",
	"transaction_status",
	"entry_record",
	"ledger_event",
	"block_checkpoint",
}

// accountBalanceImmutableColumns is the explicit list of columns on
// account_balance that must never change after insert. Everything not in
// this list (the cached_* mirror) may be updated.
var accountBalanceImmutableColumns = []string{
	"id",
	"ledger_id",
	"holder_id",
	"holder_type",
	"currency",
	"allow_overdraft",
	"overdraft_limit",
	"account_type",
	"account_code",
	"parent_account_id",
	"normal_balance",
	"indicator",
	"metadata",
	"created_at",
}

// ImmutabilityTriggerSQL returns the statements installing the
// append-only triggers. Statements are idempotent (CREATE OR REPLACE plus
// DROP TRIGGER IF EXISTS) so re-running a plan is safe.
func ImmutabilityTriggerSQL() []string {
	stmts := []string{
		`CREATE OR REPLACE FUNCTION summa_forbid_mutation() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'table % is append-only', TG_TABLE_NAME;
END;
$$ LANGUAGE plpgsql`,
	}

	for _, table := range ImmutableTables {
		stmts = append(stmts,
			fmt.Sprintf("DROP TRIGGER IF EXISTS trg_%s_immutable ON %s", table, table),
			fmt.Sprintf(`CREATE TRIGGER trg_%s_immutable
BEFORE UPDATE OR DELETE ON %s
FOR EACH ROW EXECUTE FUNCTION summa_forbid_mutation()`, table, table),
		)
	}

	stmts = append(stmts, accountBalanceTriggerSQL()...)
	return stmts
}

func accountBalanceTriggerSQL() []string {
	checks := make([]string, len(accountBalanceImmutableColumns))
	for i, col := range accountBalanceImmutableColumns {
		checks[i] = fmt.Sprintf("OLD.%s IS DISTINCT FROM NEW.%s", quoteIdent(col), quoteIdent(col))
	}
	fn := fmt.Sprintf(`CREATE OR REPLACE FUNCTION summa_guard_account_balance() RETURNS trigger AS $$
BEGIN
	IF TG_OP = 'DELETE' THEN
		RAISE EXCEPTION 'account_balance rows cannot be deleted';
	END IF;
	IF %s THEN
		RAISE EXCEPTION 'account_balance core columns are immutable';
	END IF;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql`, strings.Join(checks, "\n\t\tOR "))

	return []string{
		fn,
		"DROP TRIGGER IF EXISTS trg_account_balance_immutable ON account_balance",
		`CREATE TRIGGER trg_account_balance_immutable
BEFORE UPDATE OR DELETE ON account_balance
FOR EACH ROW EXECUTE FUNCTION summa_guard_account_balance()`,
	}
}
