package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/summa-ledger/summad/internal/core/account"
	"github.com/summa-ledger/summad/internal/core/ledger"
	"github.com/summa-ledger/summad/internal/core/transaction"
	"github.com/summa-ledger/summad/internal/events"
	"github.com/summa-ledger/summad/internal/ratelimit"
	"github.com/summa-ledger/summad/internal/reconciliation"
	"github.com/summa-ledger/summad/internal/schema"
	"github.com/summa-ledger/summad/internal/storage/sqldb"
)

// Hooks intercept dispatch. OnRequest may short-circuit by returning a
// response; OnResponse hooks run in reverse registration order.
type Hooks struct {
	OnRequest  func(req *Request) *Response
	OnResponse func(req *Request, res *Response)
}

// Config tunes the HTTP surface.
type Config struct {
	// TrustedOrigins enables the origin check on mutating methods when
	// non-empty.
	TrustedOrigins []string `mapstructure:"trusted_origins"`
	// AdminKey guards admin routes via X-Admin-Key.
	AdminKey string `mapstructure:"admin_key"`
	// DefaultLedgerID serves requests without an X-Ledger-Id header.
	DefaultLedgerID uuid.UUID `mapstructure:"-"`
}

// Server dispatches requests to the ledger services.
type Server struct {
	router   *Router
	limiter  ratelimit.Store
	accounts *account.Manager
	txs      *transaction.Service
	recon    *reconciliation.Reconciler
	webhooks *events.WebhookEngine
	db       *sqldb.DB
	migrator *schema.Migrator
	cfg      Config
	hooks    []Hooks
	log      *zap.Logger
}

// New builds the server and compiles the route table.
func New(db *sqldb.DB, migrator *schema.Migrator, accounts *account.Manager, txs *transaction.Service, recon *reconciliation.Reconciler, webhooks *events.WebhookEngine, limiter ratelimit.Store, cfg Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		router:   &Router{},
		limiter:  limiter,
		accounts: accounts,
		txs:      txs,
		recon:    recon,
		webhooks: webhooks,
		db:       db,
		migrator: migrator,
		cfg:      cfg,
		log:      log,
	}
	s.registerRoutes()
	return s
}

// Use appends dispatch hooks. Must be called before serving.
func (s *Server) Use(h Hooks) { s.hooks = append(s.hooks, h) }

// registerRoutes compiles the static table. Specific routes precede
// parametric ones.
func (s *Server) registerRoutes() {
	r := s.router
	r.Add("GET", "/ok", s.handleOK)
	r.Add("GET", "/health", s.handleHealth)

	r.Add("GET", "/accounts", s.handleListAccounts)
	r.Add("POST", "/accounts", s.handleCreateAccount)
	r.Add("GET", "/accounts/:holderId", s.handleGetAccount)
	r.Add("GET", "/accounts/:holderId/balance", s.handleGetBalance)
	r.Add("POST", "/accounts/:holderId/freeze", s.handleFreeze)
	r.Add("POST", "/accounts/:holderId/unfreeze", s.handleUnfreeze)
	r.Add("POST", "/accounts/:holderId/close", s.handleClose)

	r.Add("GET", "/transactions", s.listTransactions)
	r.Add("POST", "/transactions/credit", s.handleCredit)
	r.Add("POST", "/transactions/debit", s.handleDebit)
	r.Add("POST", "/transactions/transfer", s.handleTransfer)
	r.Add("POST", "/transactions/multi-transfer", s.handleMultiTransfer)
	r.Add("POST", "/transactions/refund", s.handleRefund)
	r.Add("GET", "/transactions/:id", s.handleGetTransaction)

	r.Add("POST", "/holds", s.handleCreateHold)
	r.Add("GET", "/holds/active", s.handleActiveHolds)
	r.Add("POST", "/holds/:holdId/commit", s.handleCommitHold)
	r.Add("POST", "/holds/:holdId/void", s.handleVoidHold)

	r.Add("POST", "/events/verify", s.handleVerifyChain)
	r.Add("GET", "/events/:aggregateType/:aggregateId", s.handleListEvents)

	r.Add("POST", "/webhooks", s.handleRegisterWebhook)

	r.Add("POST", "/admin/blocks", s.handleCreateBlock)
	r.Add("GET", "/admin/reconciliation", s.handleReconciliationStatus)
	r.Add("POST", "/admin/reconciliation/run", s.handleRunReconciliation)
}

// Handle is the pure dispatcher: no transport state, just request in,
// response out.
func (s *Server) Handle(ctx context.Context, method, path string, rawBody []byte, query, headers map[string]string) *Response {
	req := &Request{
		Method:  method,
		Path:    path,
		RawBody: rawBody,
		Query:   query,
		Headers: headers,
	}
	res := s.dispatch(ctx, req)

	for i := len(s.hooks) - 1; i >= 0; i-- {
		if s.hooks[i].OnResponse != nil {
			s.hooks[i].OnResponse(req, res)
		}
	}
	s.attachStandardHeaders(req, res)
	return res
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	req.Ctx = s.requestContext(req)

	for _, h := range s.hooks {
		if h.OnRequest != nil {
			if res := h.OnRequest(req); res != nil {
				return res
			}
		}
	}

	if res := s.checkOrigin(req); res != nil {
		return res
	}
	if res := s.checkRateLimit(ctx, req); res != nil {
		return res
	}

	handler, params, ok := s.router.Match(req.Method, req.Path)
	if !ok {
		return errorResponse(ledger.NewError(ledger.CodeNotFound, "route not found"))
	}
	req.Params = params

	if isMutating(req.Method) {
		body, err := decodeBody(req.RawBody)
		if err != nil {
			return errorResponse(err)
		}
		req.Body = body
	}

	if strings.HasPrefix(req.Path, "/admin/") && !req.Ctx.IsAdmin {
		return errorResponse(ledger.NewError(ledger.CodeNotFound, "route not found"))
	}

	res, err := handler(ctx, req)
	if err != nil {
		if ledger.IsCode(err, ledger.CodeChainIntegrityViolation) ||
			ledger.IsCode(err, ledger.CodeInternal) {
			s.log.Error("request failed",
				zap.String("requestId", req.Ctx.RequestID),
				zap.String("method", req.Method),
				zap.String("path", req.Path),
				zap.Error(err))
		}
		return errorResponse(err)
	}
	return res
}

func (s *Server) requestContext(req *Request) RequestContext {
	rc := RequestContext{
		RequestID: req.Header("X-Request-Id"),
		Actor:     req.Header("X-Actor-Id"),
		LedgerID:  s.cfg.DefaultLedgerID,
	}
	if rc.RequestID == "" {
		rc.RequestID = uuid.NewString()
	}
	if raw := req.Header("X-Ledger-Id"); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			rc.LedgerID = id
		}
	}
	if key := req.Header("X-Admin-Key"); key != "" && s.cfg.AdminKey != "" && key == s.cfg.AdminKey {
		rc.IsAdmin = true
	}
	return rc
}

func (s *Server) checkOrigin(req *Request) *Response {
	if len(s.cfg.TrustedOrigins) == 0 || !isMutating(req.Method) {
		return nil
	}
	origin := req.Header("Origin")
	if origin == "" {
		return nil // non-browser client
	}
	for _, trusted := range s.cfg.TrustedOrigins {
		if origin == trusted {
			return nil
		}
	}
	res := errorResponse(ledger.NewError(ledger.CodeInvalidArgument, "origin not allowed"))
	res.Status = http.StatusForbidden
	return res
}

func (s *Server) checkRateLimit(ctx context.Context, req *Request) *Response {
	if s.limiter == nil {
		return nil
	}
	key := req.Ctx.LedgerID.String()
	if req.Ctx.Actor != "" {
		key += ":" + req.Ctx.Actor
	}
	d, err := s.limiter.Consume(ctx, key)
	if err != nil {
		// A broken limiter backend must not take the API down.
		s.log.Warn("rate limiter unavailable", zap.Error(err))
		return nil
	}
	req.rateLimit = d
	if !d.Allowed {
		res := errorResponse(ledger.NewError(ledger.CodeRateLimited, "rate limit exceeded"))
		res.setHeader("Retry-After", strconv.FormatInt(int64(time.Until(d.ResetAt).Seconds())+1, 10))
		return res
	}
	return nil
}

func (s *Server) attachStandardHeaders(req *Request, res *Response) {
	res.setHeader("X-Request-Id", req.Ctx.RequestID)
	res.setHeader("X-Content-Type-Options", "nosniff")
	res.setHeader("X-Frame-Options", "DENY")
	res.setHeader("Referrer-Policy", "strict-origin-when-cross-origin")
	res.setHeader("Content-Security-Policy", "default-src 'none'")
	if d := req.rateLimit; d != nil {
		res.setHeader("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		res.setHeader("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		res.setHeader("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}

func isMutating(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// errorEnvelope is the wire shape of a failure.
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Docs    string `json:"docs,omitempty"`
	} `json:"error"`
}

func errorResponse(err error) *Response {
	env := errorEnvelope{}
	env.Error.Code = ledger.CodeOf(err)
	if env.Error.Code == ledger.CodeInternal {
		// Never leak internals.
		env.Error.Message = "internal error"
	} else {
		var le *ledger.Error
		if errors.As(err, &le) {
			env.Error.Message = le.Message
			env.Error.Docs = le.DocsURL
		}
	}
	return &Response{Status: ledger.HTTPStatus(err), Body: env}
}

func respondOK(body any) *Response      { return &Response{Status: http.StatusOK, Body: body} }
func respondCreated(body any) *Response { return &Response{Status: http.StatusCreated, Body: body} }
