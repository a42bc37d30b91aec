package server

import (
	"context"
	"strconv"

	"github.com/summa-ledger/summad/internal/core/transaction"
)

var holdFields = []Field{
	{Name: "holderId", Kind: KindString, Required: true},
	{Name: "amount", Kind: KindAmount, Required: true},
	{Name: "currency", Kind: KindString},
	{Name: "reference", Kind: KindString, Required: true},
	{Name: "description", Kind: KindString},
	{Name: "expiresInMinutes", Kind: KindInt},
	{Name: "destinationHolderId", Kind: KindString},
	{Name: "metadata", Kind: KindObject},
	{Name: "idempotencyKey", Kind: KindString},
}

func (s *Server) handleCreateHold(ctx context.Context, req *Request) (*Response, error) {
	if err := validateBody(req.Body, holdFields); err != nil {
		return nil, err
	}
	result, err := s.txs.Hold(ctx, transaction.HoldInput{
		LedgerID:            req.Ctx.LedgerID,
		HolderID:            bodyString(req.Body, "holderId"),
		Amount:              bodyInt(req.Body, "amount"),
		Currency:            bodyString(req.Body, "currency"),
		Reference:           bodyString(req.Body, "reference"),
		Description:         bodyString(req.Body, "description"),
		ExpiresInMinutes:    int(bodyInt(req.Body, "expiresInMinutes")),
		DestinationHolderID: bodyString(req.Body, "destinationHolderId"),
		Metadata:            bodyObject(req.Body, "metadata"),
		IdempotencyKey:      bodyString(req.Body, "idempotencyKey"),
		CorrelationID:       req.Ctx.RequestID,
	})
	if err != nil {
		return nil, err
	}
	return respondCreated(result), nil
}

var commitFields = []Field{
	{Name: "amount", Kind: KindAmount},
	{Name: "idempotencyKey", Kind: KindString},
}

func (s *Server) handleCommitHold(ctx context.Context, req *Request) (*Response, error) {
	if err := validateBody(req.Body, commitFields); err != nil {
		return nil, err
	}
	holdID, err := parseID(req.Params["holdId"], "holdId")
	if err != nil {
		return nil, err
	}
	result, err := s.txs.CommitHold(ctx, transaction.CommitInput{
		LedgerID:       req.Ctx.LedgerID,
		HoldID:         holdID,
		Amount:         bodyIntPtr(req.Body, "amount"),
		IdempotencyKey: bodyString(req.Body, "idempotencyKey"),
		CorrelationID:  req.Ctx.RequestID,
	})
	if err != nil {
		return nil, err
	}
	return respondOK(result), nil
}

var voidFields = []Field{
	{Name: "reason", Kind: KindString},
	{Name: "idempotencyKey", Kind: KindString},
}

func (s *Server) handleVoidHold(ctx context.Context, req *Request) (*Response, error) {
	if err := validateBody(req.Body, voidFields); err != nil {
		return nil, err
	}
	holdID, err := parseID(req.Params["holdId"], "holdId")
	if err != nil {
		return nil, err
	}
	result, err := s.txs.VoidHold(ctx, transaction.VoidInput{
		LedgerID:       req.Ctx.LedgerID,
		HoldID:         holdID,
		Reason:         bodyString(req.Body, "reason"),
		IdempotencyKey: bodyString(req.Body, "idempotencyKey"),
		CorrelationID:  req.Ctx.RequestID,
	})
	if err != nil {
		return nil, err
	}
	return respondOK(result), nil
}

func (s *Server) handleActiveHolds(ctx context.Context, req *Request) (*Response, error) {
	limit, _ := strconv.Atoi(req.Query["limit"])
	holds, err := s.txs.ListActiveHolds(ctx, req.Ctx.LedgerID, limit)
	if err != nil {
		return nil, err
	}
	return respondOK(map[string]any{"holds": holds}), nil
}
