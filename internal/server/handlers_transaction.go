package server

import (
	"context"
	"strconv"

	"github.com/google/uuid"

	"github.com/summa-ledger/summad/internal/core/ledger"
	"github.com/summa-ledger/summad/internal/core/transaction"
)

var creditFields = []Field{
	{Name: "holderId", Kind: KindString, Required: true},
	{Name: "amount", Kind: KindAmount, Required: true},
	{Name: "currency", Kind: KindString},
	{Name: "reference", Kind: KindString, Required: true},
	{Name: "description", Kind: KindString},
	{Name: "category", Kind: KindString},
	{Name: "sourceSystemAccount", Kind: KindString},
	{Name: "metadata", Kind: KindObject},
	{Name: "idempotencyKey", Kind: KindString},
}

func (s *Server) handleCredit(ctx context.Context, req *Request) (*Response, error) {
	if err := validateBody(req.Body, creditFields); err != nil {
		return nil, err
	}
	result, err := s.txs.Credit(ctx, transaction.CreditInput{
		LedgerID:            req.Ctx.LedgerID,
		HolderID:            bodyString(req.Body, "holderId"),
		Amount:              bodyInt(req.Body, "amount"),
		Currency:            bodyString(req.Body, "currency"),
		Reference:           bodyString(req.Body, "reference"),
		Description:         bodyString(req.Body, "description"),
		Category:            bodyString(req.Body, "category"),
		SourceSystemAccount: bodyString(req.Body, "sourceSystemAccount"),
		Metadata:            bodyObject(req.Body, "metadata"),
		IdempotencyKey:      bodyString(req.Body, "idempotencyKey"),
		CorrelationID:       req.Ctx.RequestID,
	})
	if err != nil {
		return nil, err
	}
	return respondCreated(result), nil
}

var debitFields = []Field{
	{Name: "holderId", Kind: KindString, Required: true},
	{Name: "amount", Kind: KindAmount, Required: true},
	{Name: "currency", Kind: KindString},
	{Name: "reference", Kind: KindString, Required: true},
	{Name: "description", Kind: KindString},
	{Name: "category", Kind: KindString},
	{Name: "destinationSystemAccount", Kind: KindString},
	{Name: "allowOverdraft", Kind: KindBool},
	{Name: "metadata", Kind: KindObject},
	{Name: "idempotencyKey", Kind: KindString},
}

func (s *Server) handleDebit(ctx context.Context, req *Request) (*Response, error) {
	if err := validateBody(req.Body, debitFields); err != nil {
		return nil, err
	}
	result, err := s.txs.Debit(ctx, transaction.DebitInput{
		LedgerID:                 req.Ctx.LedgerID,
		HolderID:                 bodyString(req.Body, "holderId"),
		Amount:                   bodyInt(req.Body, "amount"),
		Currency:                 bodyString(req.Body, "currency"),
		Reference:                bodyString(req.Body, "reference"),
		Description:              bodyString(req.Body, "description"),
		Category:                 bodyString(req.Body, "category"),
		DestinationSystemAccount: bodyString(req.Body, "destinationSystemAccount"),
		AllowOverdraft:           bodyBool(req.Body, "allowOverdraft"),
		Metadata:                 bodyObject(req.Body, "metadata"),
		IdempotencyKey:           bodyString(req.Body, "idempotencyKey"),
		CorrelationID:            req.Ctx.RequestID,
	})
	if err != nil {
		return nil, err
	}
	return respondCreated(result), nil
}

var transferFields = []Field{
	{Name: "sourceHolderId", Kind: KindString, Required: true},
	{Name: "destinationHolderId", Kind: KindString, Required: true},
	{Name: "amount", Kind: KindAmount, Required: true},
	{Name: "currency", Kind: KindString},
	{Name: "destinationCurrency", Kind: KindString},
	{Name: "exchangeRate", Kind: KindNumber},
	{Name: "reference", Kind: KindString, Required: true},
	{Name: "description", Kind: KindString},
	{Name: "category", Kind: KindString},
	{Name: "allowOverdraft", Kind: KindBool},
	{Name: "metadata", Kind: KindObject},
	{Name: "idempotencyKey", Kind: KindString},
}

func (s *Server) handleTransfer(ctx context.Context, req *Request) (*Response, error) {
	if err := validateBody(req.Body, transferFields); err != nil {
		return nil, err
	}
	result, err := s.txs.Transfer(ctx, transaction.TransferInput{
		LedgerID:            req.Ctx.LedgerID,
		SourceHolderID:      bodyString(req.Body, "sourceHolderId"),
		DestinationHolderID: bodyString(req.Body, "destinationHolderId"),
		Amount:              bodyInt(req.Body, "amount"),
		Currency:            bodyString(req.Body, "currency"),
		DestinationCurrency: bodyString(req.Body, "destinationCurrency"),
		ExchangeRate:        bodyFloatPtr(req.Body, "exchangeRate"),
		Reference:           bodyString(req.Body, "reference"),
		Description:         bodyString(req.Body, "description"),
		Category:            bodyString(req.Body, "category"),
		AllowOverdraft:      bodyBool(req.Body, "allowOverdraft"),
		Metadata:            bodyObject(req.Body, "metadata"),
		IdempotencyKey:      bodyString(req.Body, "idempotencyKey"),
		CorrelationID:       req.Ctx.RequestID,
	})
	if err != nil {
		return nil, err
	}
	return respondCreated(result), nil
}

var multiTransferFields = []Field{
	{Name: "sourceHolderId", Kind: KindString, Required: true},
	{Name: "destinations", Kind: KindArray, Required: true},
	{Name: "currency", Kind: KindString},
	{Name: "reference", Kind: KindString, Required: true},
	{Name: "description", Kind: KindString},
	{Name: "category", Kind: KindString},
	{Name: "allowOverdraft", Kind: KindBool},
	{Name: "metadata", Kind: KindObject},
	{Name: "idempotencyKey", Kind: KindString},
}

func (s *Server) handleMultiTransfer(ctx context.Context, req *Request) (*Response, error) {
	if err := validateBody(req.Body, multiTransferFields); err != nil {
		return nil, err
	}
	dests, err := parseDestinations(req.Body["destinations"])
	if err != nil {
		return nil, err
	}
	result, err := s.txs.MultiTransfer(ctx, transaction.MultiTransferInput{
		LedgerID:       req.Ctx.LedgerID,
		SourceHolderID: bodyString(req.Body, "sourceHolderId"),
		Destinations:   dests,
		Currency:       bodyString(req.Body, "currency"),
		Reference:      bodyString(req.Body, "reference"),
		Description:    bodyString(req.Body, "description"),
		Category:       bodyString(req.Body, "category"),
		AllowOverdraft: bodyBool(req.Body, "allowOverdraft"),
		Metadata:       bodyObject(req.Body, "metadata"),
		IdempotencyKey: bodyString(req.Body, "idempotencyKey"),
		CorrelationID:  req.Ctx.RequestID,
	})
	if err != nil {
		return nil, err
	}
	return respondCreated(result), nil
}

func parseDestinations(v any) ([]transaction.Destination, error) {
	items, ok := v.([]any)
	if !ok || len(items) == 0 {
		return nil, ledger.NewError(ledger.CodeInvalidArgument, "destinations must be a non-empty array")
	}
	dests := make([]transaction.Destination, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, ledger.Errorf(ledger.CodeInvalidArgument, "destinations[%d] must be an object", i)
		}
		holder := bodyString(obj, "holderId")
		if holder == "" {
			return nil, ledger.Errorf(ledger.CodeInvalidArgument, "destinations[%d].holderId is required", i)
		}
		amount, err := intValue(obj["amount"])
		if err != nil || amount <= 0 {
			return nil, ledger.Errorf(ledger.CodeInvalidArgument, "destinations[%d].amount must be a positive integer", i)
		}
		dests = append(dests, transaction.Destination{HolderID: holder, Amount: amount})
	}
	return dests, nil
}

var refundFields = []Field{
	{Name: "transactionId", Kind: KindString, Required: true},
	{Name: "amount", Kind: KindAmount},
	{Name: "reason", Kind: KindString, Required: true},
	{Name: "metadata", Kind: KindObject},
	{Name: "idempotencyKey", Kind: KindString},
}

func (s *Server) handleRefund(ctx context.Context, req *Request) (*Response, error) {
	if err := validateBody(req.Body, refundFields); err != nil {
		return nil, err
	}
	txID, err := parseID(bodyString(req.Body, "transactionId"), "transactionId")
	if err != nil {
		return nil, err
	}
	result, err := s.txs.Refund(ctx, transaction.RefundInput{
		LedgerID:       req.Ctx.LedgerID,
		TransactionID:  txID,
		Amount:         bodyIntPtr(req.Body, "amount"),
		Reason:         bodyString(req.Body, "reason"),
		Metadata:       bodyObject(req.Body, "metadata"),
		IdempotencyKey: bodyString(req.Body, "idempotencyKey"),
		CorrelationID:  req.Ctx.RequestID,
	})
	if err != nil {
		return nil, err
	}
	return respondCreated(result), nil
}

func (s *Server) handleGetTransaction(ctx context.Context, req *Request) (*Response, error) {
	id, err := parseID(req.Params["id"], "transaction id")
	if err != nil {
		return nil, err
	}
	rec, err := s.txs.Get(ctx, req.Ctx.LedgerID, id)
	if err != nil {
		return nil, err
	}
	entries, err := s.txs.Entries(ctx, id)
	if err != nil {
		return nil, err
	}
	return respondOK(struct {
		Transaction *ledger.Transaction `json:"transaction"`
		Entries     []ledger.Entry      `json:"entries"`
	}{rec, entries}), nil
}

// listTransactions serves GET /transactions with optional holder filter
// and offset paging.
func (s *Server) listTransactions(ctx context.Context, req *Request) (*Response, error) {
	in := transaction.ListInput{
		LedgerID: req.Ctx.LedgerID,
		HolderID: req.Query["holderId"],
	}
	in.Limit, _ = strconv.Atoi(req.Query["limit"])
	in.Offset, _ = strconv.Atoi(req.Query["offset"])
	txns, err := s.txs.List(ctx, in)
	if err != nil {
		return nil, err
	}
	return respondOK(map[string]any{"transactions": txns}), nil
}

func parseID(raw, field string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, ledger.NewError(ledger.CodeInvalidArgument, field+" must be a UUID")
	}
	return id, nil
}
