package server

import (
	"context"
	"strconv"
	"time"

	"github.com/summa-ledger/summad/internal/core/account"
	"github.com/summa-ledger/summad/internal/core/ledger"
)

var createAccountFields = []Field{
	{Name: "holderId", Kind: KindString, Required: true},
	{Name: "holderType", Kind: KindString, Enum: []string{"individual", "organization", "system"}},
	{Name: "currency", Kind: KindString},
	{Name: "allowOverdraft", Kind: KindBool},
	{Name: "overdraftLimit", Kind: KindInt},
	{Name: "accountType", Kind: KindString},
	{Name: "accountCode", Kind: KindString},
	{Name: "metadata", Kind: KindObject},
}

func (s *Server) handleCreateAccount(ctx context.Context, req *Request) (*Response, error) {
	if err := validateBody(req.Body, createAccountFields); err != nil {
		return nil, err
	}
	st, wasCreated, err := s.accounts.Create(ctx, account.CreateInput{
		LedgerID:       req.Ctx.LedgerID,
		HolderID:       bodyString(req.Body, "holderId"),
		HolderType:     ledger.HolderType(bodyString(req.Body, "holderType")),
		Currency:       bodyString(req.Body, "currency"),
		AllowOverdraft: bodyBool(req.Body, "allowOverdraft"),
		OverdraftLimit: bodyInt(req.Body, "overdraftLimit"),
		AccountType:    bodyString(req.Body, "accountType"),
		AccountCode:    bodyString(req.Body, "accountCode"),
		Metadata:       bodyObject(req.Body, "metadata"),
		CorrelationID:  req.Ctx.RequestID,
	})
	if err != nil {
		return nil, err
	}
	if wasCreated {
		return respondCreated(st), nil
	}
	return respondOK(st), nil
}

func (s *Server) handleListAccounts(ctx context.Context, req *Request) (*Response, error) {
	in := account.ListInput{
		LedgerID:   req.Ctx.LedgerID,
		HolderType: ledger.HolderType(req.Query["holderType"]),
		Cursor:     req.Query["cursor"],
	}
	in.Limit, _ = strconv.Atoi(req.Query["limit"])
	in.Offset, _ = strconv.Atoi(req.Query["offset"])
	result, err := s.accounts.List(ctx, in)
	if err != nil {
		return nil, err
	}
	return respondOK(result), nil
}

func (s *Server) handleGetAccount(ctx context.Context, req *Request) (*Response, error) {
	st, err := s.accounts.Find(ctx, req.Ctx.LedgerID, req.Params["holderId"], s.currency(req))
	if err != nil {
		return nil, err
	}
	return respondOK(st), nil
}

func (s *Server) handleGetBalance(ctx context.Context, req *Request) (*Response, error) {
	var asOf *time.Time
	if raw := req.Query["asOf"]; raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, ledger.NewError(ledger.CodeInvalidArgument, "asOf must be RFC 3339")
		}
		asOf = &t
	}
	b, err := s.accounts.GetBalance(ctx, req.Ctx.LedgerID, req.Params["holderId"], s.currency(req), asOf)
	if err != nil {
		return nil, err
	}
	return respondOK(b), nil
}

var lifecycleFields = []Field{
	{Name: "currency", Kind: KindString},
	{Name: "reason", Kind: KindString},
	{Name: "transferToHolderId", Kind: KindString},
}

func (s *Server) lifecycleInput(req *Request) account.LifecycleInput {
	return account.LifecycleInput{
		LedgerID:           req.Ctx.LedgerID,
		HolderID:           req.Params["holderId"],
		Currency:           bodyString(req.Body, "currency"),
		Reason:             bodyString(req.Body, "reason"),
		Actor:              req.Ctx.Actor,
		CorrelationID:      req.Ctx.RequestID,
		TransferToHolderID: bodyString(req.Body, "transferToHolderId"),
	}
}

func (s *Server) handleFreeze(ctx context.Context, req *Request) (*Response, error) {
	if err := validateBody(req.Body, lifecycleFields); err != nil {
		return nil, err
	}
	st, err := s.accounts.Freeze(ctx, s.lifecycleInput(req))
	if err != nil {
		return nil, err
	}
	return respondOK(st), nil
}

func (s *Server) handleUnfreeze(ctx context.Context, req *Request) (*Response, error) {
	if err := validateBody(req.Body, lifecycleFields); err != nil {
		return nil, err
	}
	st, err := s.accounts.Unfreeze(ctx, s.lifecycleInput(req))
	if err != nil {
		return nil, err
	}
	return respondOK(st), nil
}

func (s *Server) handleClose(ctx context.Context, req *Request) (*Response, error) {
	if err := validateBody(req.Body, lifecycleFields); err != nil {
		return nil, err
	}
	st, err := s.accounts.Close(ctx, s.lifecycleInput(req))
	if err != nil {
		return nil, err
	}
	return respondOK(st), nil
}

// currency resolves the request's currency: explicit query parameter, or
// the ledger default.
func (s *Server) currency(req *Request) string {
	if c := req.Query["currency"]; c != "" {
		return c
	}
	return s.accounts.Options().DefaultCurrency
}
