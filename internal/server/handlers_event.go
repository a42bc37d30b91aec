package server

import (
	"context"

	"github.com/summa-ledger/summad/internal/core/chain"
	"github.com/summa-ledger/summad/internal/core/ledger"
	"github.com/summa-ledger/summad/internal/reconciliation"
)

func validAggregateType(t string) bool {
	return t == chain.AggregateAccount || t == chain.AggregateTransaction
}

func (s *Server) handleListEvents(ctx context.Context, req *Request) (*Response, error) {
	aggType := req.Params["aggregateType"]
	if !validAggregateType(aggType) {
		return nil, ledger.NewError(ledger.CodeInvalidArgument, "unknown aggregate type "+aggType)
	}
	evs, err := chain.ListEvents(ctx, s.db, aggType, req.Params["aggregateId"])
	if err != nil {
		return nil, err
	}
	return respondOK(map[string]any{"events": evs}), nil
}

var verifyFields = []Field{
	{Name: "aggregateType", Kind: KindString, Required: true},
	{Name: "aggregateId", Kind: KindString, Required: true},
}

func (s *Server) handleVerifyChain(ctx context.Context, req *Request) (*Response, error) {
	if err := validateBody(req.Body, verifyFields); err != nil {
		return nil, err
	}
	aggType := bodyString(req.Body, "aggregateType")
	if !validAggregateType(aggType) {
		return nil, ledger.NewError(ledger.CodeInvalidArgument, "unknown aggregate type "+aggType)
	}
	result, err := chain.VerifyHashChain(ctx, s.db, aggType, bodyString(req.Body, "aggregateId"))
	if err != nil {
		return nil, err
	}
	return respondOK(result), nil
}

var webhookFields = []Field{
	{Name: "url", Kind: KindString, Required: true},
	{Name: "secret", Kind: KindString, Required: true},
	{Name: "topics", Kind: KindArray},
}

func (s *Server) handleRegisterWebhook(ctx context.Context, req *Request) (*Response, error) {
	if !req.Ctx.IsAdmin {
		return nil, ledger.NewError(ledger.CodeNotFound, "route not found")
	}
	if err := validateBody(req.Body, webhookFields); err != nil {
		return nil, err
	}
	var topics []string
	if raw, ok := req.Body["topics"].([]any); ok {
		for i, t := range raw {
			s, ok := t.(string)
			if !ok {
				return nil, ledger.Errorf(ledger.CodeInvalidArgument, "topics[%d] must be a string", i)
			}
			topics = append(topics, s)
		}
	}
	id, err := s.webhooks.RegisterEndpoint(ctx,
		bodyString(req.Body, "url"), bodyString(req.Body, "secret"), topics)
	if err != nil {
		return nil, err
	}
	return respondCreated(map[string]any{"id": id}), nil
}

func (s *Server) handleCreateBlock(ctx context.Context, req *Request) (*Response, error) {
	block, err := chain.CreateBlockCheckpoint(ctx, s.db, nil)
	if err != nil {
		return nil, err
	}
	if block == nil {
		return respondOK(map[string]any{"created": false}), nil
	}
	return respondCreated(block), nil
}

func (s *Server) handleReconciliationStatus(ctx context.Context, req *Request) (*Response, error) {
	runType := reconciliation.RunType(req.Query["type"])
	if runType == "" {
		runType = reconciliation.RunDaily
	}
	result, err := s.recon.Latest(ctx, runType)
	if err != nil {
		return nil, err
	}
	return respondOK(result), nil
}

var reconciliationRunFields = []Field{
	{Name: "type", Kind: KindString, Enum: []string{"daily", "fast"}},
}

func (s *Server) handleRunReconciliation(ctx context.Context, req *Request) (*Response, error) {
	if err := validateBody(req.Body, reconciliationRunFields); err != nil {
		return nil, err
	}
	runType := reconciliation.RunType(bodyString(req.Body, "type"))
	if runType == "" {
		runType = reconciliation.RunFast
	}
	result, err := s.recon.Run(ctx, runType)
	if err != nil {
		return nil, err
	}
	return respondOK(result), nil
}
