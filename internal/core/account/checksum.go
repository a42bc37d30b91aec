// Package account manages account lifecycle and balance state: creation
// behind an advisory lock, freeze/unfreeze/close transitions, lock-mode
// aware resolution for the transaction pipeline, and HMAC-protected
// append-only version rows.
package account

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/summa-ledger/summad/internal/core/ledger"
)

// Checksummer signs and verifies balance version rows. The signed fields
// are balance, creditBalance, debitBalance, pendingDebit, pendingCredit
// and version, in that order.
type Checksummer struct {
	secret []byte
}

// NewChecksummer returns a signer over the given HMAC secret. An empty
// secret disables signing: Compute returns "" and Verify accepts
// anything, which keeps development setups working without one.
func NewChecksummer(secret string) *Checksummer {
	return &Checksummer{secret: []byte(secret)}
}

// Enabled reports whether a secret is configured.
func (c *Checksummer) Enabled() bool { return len(c.secret) > 0 }

// Compute derives the HMAC-SHA256 checksum of v's balance fields.
func (c *Checksummer) Compute(v *ledger.AccountVersion) string {
	if !c.Enabled() {
		return ""
	}
	msg := fmt.Sprintf("%d|%d|%d|%d|%d|%d",
		v.Balance, v.CreditBalance, v.DebitBalance,
		v.PendingDebit, v.PendingCredit, v.Version)
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the checksum and fails with
// CHAIN_INTEGRITY_VIOLATION on mismatch. Rows with no stored checksum
// (written before a secret was configured) pass.
func (c *Checksummer) Verify(v *ledger.AccountVersion) error {
	if !c.Enabled() || v.Checksum == "" {
		return nil
	}
	want := c.Compute(v)
	if !hmac.Equal([]byte(want), []byte(v.Checksum)) {
		return ledger.NewError(ledger.CodeChainIntegrityViolation,
			fmt.Sprintf("balance checksum mismatch on account %s version %d", v.AccountID, v.Version))
	}
	return nil
}
