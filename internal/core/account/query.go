package account

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/summa-ledger/summad/internal/core/ledger"
)

// Balance is the read model returned by GetBalance.
type Balance struct {
	AccountID     uuid.UUID  `json:"accountId"`
	Currency      string     `json:"currency"`
	Balance       int64      `json:"balance"`
	PendingDebit  int64      `json:"pendingDebit"`
	PendingCredit int64      `json:"pendingCredit"`
	Available     int64      `json:"available"`
	Version       int64      `json:"version"`
	AsOf          *time.Time `json:"asOf,omitempty"`
}

// GetBalance reads the account balance. Without asOf it serves the
// checksum-verified latest version; with asOf it aggregates entries up to
// that instant, which also covers accounts as they were before later
// activity.
func (m *Manager) GetBalance(ctx context.Context, ledgerID uuid.UUID, holderID, currency string, asOf *time.Time) (*Balance, error) {
	if currency == "" {
		currency = m.opts.currency()
	}
	st, err := m.Find(ctx, ledgerID, holderID, currency)
	if err != nil {
		return nil, err
	}
	if asOf == nil {
		return &Balance{
			AccountID:     st.Account.ID,
			Currency:      st.Account.Currency,
			Balance:       st.Version.Balance,
			PendingDebit:  st.Version.PendingDebit,
			PendingCredit: st.Version.PendingCredit,
			Available:     st.Version.Available(),
			Version:       st.Version.Version,
		}, nil
	}

	var balance int64
	err = m.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN entry_type = 'CREDIT' THEN amount ELSE -amount END), 0)
		FROM entry_record
		WHERE account_id = $1 AND created_at <= $2`,
		st.Account.ID, asOf.UTC()).Scan(&balance)
	if err != nil {
		return nil, ledger.WrapError(ledger.CodeInternal, "failed to aggregate entries", err)
	}
	return &Balance{
		AccountID: st.Account.ID,
		Currency:  st.Account.Currency,
		Balance:   balance,
		Available: balance,
		AsOf:      asOf,
	}, nil
}

// ListInput selects a page of accounts. Cursor and Offset are mutually
// exclusive; cursor mode skips the COUNT query.
type ListInput struct {
	LedgerID   uuid.UUID
	HolderType ledger.HolderType
	Limit      int
	Offset     int
	Cursor     string
}

// ListResult is one page. Total is only populated in offset mode.
type ListResult struct {
	Accounts   []ledger.AccountState `json:"accounts"`
	Total      *int64                `json:"total,omitempty"`
	NextCursor string                `json:"nextCursor,omitempty"`
}

const maxPageSize = 200

// List pages through a ledger's accounts ordered by (created_at, id).
func (m *Manager) List(ctx context.Context, in ListInput) (*ListResult, error) {
	if in.LedgerID == uuid.Nil {
		return nil, ledger.NewError(ledger.CodeInvalidArgument, "ledgerId is required")
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	where := "a.ledger_id = $1"
	args := []any{in.LedgerID}
	if in.HolderType != "" {
		args = append(args, in.HolderType)
		where += fmt.Sprintf(" AND a.holder_type = $%d", len(args))
	}

	result := &ListResult{}
	if in.Cursor != "" {
		after, err := decodeCursor(in.Cursor)
		if err != nil {
			return nil, err
		}
		args = append(args, after.createdAt, after.id)
		where += fmt.Sprintf(" AND (a.created_at, a.id) > ($%d, $%d)", len(args)-1, len(args))
	} else {
		var total int64
		countWhere := strings.ReplaceAll(where, "a.", "")
		if err := m.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM account_balance WHERE "+countWhere, args...).Scan(&total); err != nil {
			return nil, ledger.WrapError(ledger.CodeInternal, "failed to count accounts", err)
		}
		result.Total = &total
	}

	query := `
		SELECT ` + joinedColumns + `
		FROM account_balance a
		JOIN LATERAL (
			SELECT * FROM account_balance_version v
			WHERE v.account_id = a.id
			ORDER BY v.version DESC
			LIMIT 1
		) v ON true
		WHERE ` + where + `
		ORDER BY a.created_at ASC, a.id ASC
		LIMIT ` + strconv.Itoa(limit+1)
	if in.Cursor == "" && in.Offset > 0 {
		query += " OFFSET " + strconv.Itoa(in.Offset)
	}

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ledger.WrapError(ledger.CodeInternal, "failed to list accounts", err)
	}
	defer rows.Close()

	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		result.Accounts = append(result.Accounts, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.WrapError(ledger.CodeInternal, "error iterating accounts", err)
	}

	if len(result.Accounts) > limit {
		result.Accounts = result.Accounts[:limit]
		last := result.Accounts[limit-1]
		result.NextCursor = encodeCursor(last.Account.CreatedAt, last.Account.ID)
	}
	return result, nil
}

type cursor struct {
	createdAt time.Time
	id        uuid.UUID
}

func encodeCursor(createdAt time.Time, id uuid.UUID) string {
	raw := fmt.Sprintf("%d|%s", createdAt.UTC().UnixNano(), id)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (*cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ledger.NewError(ledger.CodeInvalidArgument, "malformed cursor")
	}
	nanos, idStr, ok := strings.Cut(string(raw), "|")
	if !ok {
		return nil, ledger.NewError(ledger.CodeInvalidArgument, "malformed cursor")
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ledger.NewError(ledger.CodeInvalidArgument, "malformed cursor")
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, ledger.NewError(ledger.CodeInvalidArgument, "malformed cursor")
	}
	return &cursor{createdAt: time.Unix(0, n).UTC(), id: id}, nil
}
