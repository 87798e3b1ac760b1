package arbiterd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"

	"bountyescrow/core/events"
	"bountyescrow/core/types"
	gatewaymw "bountyescrow/gateway/middleware"
	"bountyescrow/native/bounty"
	"bountyescrow/observability"
)

const (
	maxRequestBody   = 1 << 20 // 1 MiB
	wsWriteTimeout   = 10 * time.Second
	wsBuffer         = 64
	mutationLimitKey = "arbiterd.mutations"
)

// ServerOptions wires the HTTP surface.
type ServerOptions struct {
	Service        *Service
	Bounties       *bounty.Engine
	Bus            *events.Bus
	Audit          *AuditLog
	Auth           *gatewaymw.Authenticator
	RateLimit      gatewaymw.RateLimit
	CORSOrigins    []string
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Server is the arbiter HTTP front-end.
type Server struct {
	service  *Service
	bounties *bounty.Engine
	bus      *events.Bus
	audit    *AuditLog
	auth     *gatewaymw.Authenticator
	limiter  *gatewaymw.RateLimiter
	obs      *gatewaymw.Observability
	origins  []string
	timeout  time.Duration
	logger   *slog.Logger
	router   http.Handler
}

// NewServer builds the router.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Service == nil {
		return nil, errors.New("arbiterd: service required")
	}
	if opts.Bounties == nil {
		return nil, errors.New("arbiterd: bounty engine required")
	}
	if opts.Audit == nil {
		return nil, errors.New("arbiterd: audit log required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	auth := opts.Auth
	if auth == nil {
		auth = gatewaymw.NewAuthenticator(gatewaymw.AuthConfig{}, logger)
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus()
	}
	srv := &Server{
		service:  opts.Service,
		bounties: opts.Bounties,
		bus:      bus,
		audit:    opts.Audit,
		auth:     auth,
		limiter:  gatewaymw.NewRateLimiter(map[string]gatewaymw.RateLimit{mutationLimitKey: opts.RateLimit}, logger),
		obs:      gatewaymw.NewObservability(gatewaymw.ObservabilityConfig{ServiceName: "arbiterd", Enabled: true}, logger),
		origins:  append([]string(nil), opts.CORSOrigins...),
		timeout:  timeout,
		logger:   logger,
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if len(s.origins) > 0 {
		r.Use(gatewaymw.CORS(gatewaymw.CORSConfig{AllowedOrigins: s.origins}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v chi.Router) {
		v.With(s.obs.Middleware("bounties")).Get("/bounties/{id}", s.handleBounty)
		v.Get("/events/ws", s.handleEventsWS)

		v.Group(func(m chi.Router) {
			m.Use(s.limiter.Middleware(mutationLimitKey))
			m.With(s.obs.Middleware("funders"), s.auth.Middleware(), s.journalRequests).
				Post("/funders/register", s.handleRegisterFunder)
			m.With(s.obs.Middleware("claims"), s.auth.Middleware(), s.journalRequests).
				Post("/claims", s.handleRequestClaim)
			m.With(s.obs.Middleware("claims"), s.auth.Middleware(types.RoleArbiter), s.journalRequests).
				Post("/claims/{id}/confirm-pr", s.handleConfirmPR)
			m.With(s.obs.Middleware("claims"), s.auth.Middleware(types.RoleArbiter), s.journalRequests).
				Post("/claims/{id}/confirm-release", s.handleConfirmRelease)
		})
	})
	return r
}

func (s *Server) handleRegisterFunder(w http.ResponseWriter, r *http.Request) {
	var req RegisterFunderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	reg, err := s.service.RegisterFunder(ctx, req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

func (s *Server) handleRequestClaim(w http.ResponseWriter, r *http.Request) {
	var in ClaimInput
	if !decodeBody(w, r, &in) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	req, err := s.service.RequestClaim(ctx, in)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleConfirmPR(w http.ResponseWriter, r *http.Request) {
	s.confirm(w, r, s.service.ConfirmPR)
}

func (s *Server) handleConfirmRelease(w http.ResponseWriter, r *http.Request) {
	s.confirm(w, r, s.service.ConfirmRelease)
}

func (s *Server) confirm(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID) (*Confirmation, error)) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeNotRequested)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	confirmation, err := fn(ctx, id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, confirmation)
}

func (s *Server) handleBounty(w http.ResponseWriter, r *http.Request) {
	record, err := s.bounties.GetBounty(chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, bountyError(err))
		return
	}
	view, err := s.bountyView(record)
	if err != nil {
		s.writeServiceError(w, fail(CodeInternal, http.StatusInternalServerError, err))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type tierView struct {
	Index            int      `json:"index"`
	Payout           string   `json:"payout"`
	WinnerExternalID string   `json:"winnerExternalId,omitempty"`
	Claimed          bool     `json:"claimed"`
	PaidAssets       []string `json:"paidAssets,omitempty"`
}

type progressView struct {
	Asset    string `json:"asset"`
	Goal     string `json:"goal"`
	Escrowed string `json:"escrowed"`
	Reached  bool   `json:"reached"`
}

type bountyView struct {
	ID                  string            `json:"id"`
	Address             string            `json:"address"`
	Organization        string            `json:"organization"`
	Issuer              string            `json:"issuer"`
	IssuerExternalID    string            `json:"issuerExternalId,omitempty"`
	Variant             string            `json:"variant"`
	Status              string            `json:"status"`
	CreatedAt           int64             `json:"createdAt"`
	ClosedAt            int64             `json:"closedAt,omitempty"`
	Deposits            int               `json:"deposits"`
	NonFungibleDeposits int               `json:"nonFungibleDeposits"`
	Escrowed            map[string]string `json:"escrowed"`
	Balances            map[string]string `json:"balances"`
	Tiers               []tierView        `json:"tiers,omitempty"`
	FundingGoal         *progressView     `json:"fundingGoal,omitempty"`
}

func (s *Server) bountyView(record *bounty.Bounty) (*bountyView, error) {
	view := &bountyView{
		ID:                  record.ID,
		Address:             record.Address.Hex(),
		Organization:        record.Organization,
		Issuer:              record.Issuer.Hex(),
		IssuerExternalID:    record.IssuerExternalID,
		Variant:             record.Variant.String(),
		Status:              record.Status.String(),
		CreatedAt:           record.CreatedAt,
		ClosedAt:            record.ClosedAt,
		Deposits:            len(record.Deposits),
		NonFungibleDeposits: record.OutstandingNonFungible(),
		Escrowed:            make(map[string]string, len(record.Assets)),
		Balances:            make(map[string]string, len(record.Assets)),
	}
	for _, asset := range record.Assets {
		view.Escrowed[asset.Hex()] = record.Escrowed(asset).String()
		balance, err := s.bounties.Balance(record.ID, asset)
		if err != nil {
			return nil, err
		}
		view.Balances[asset.Hex()] = amountString(balance)
	}
	for _, tier := range record.Tiers {
		tv := tierView{
			Index:            tier.Index,
			Payout:           amountString(tier.Payout),
			WinnerExternalID: tier.WinnerExternalID,
			Claimed:          tier.Claimed,
		}
		for _, asset := range tier.PaidAssets {
			tv.PaidAssets = append(tv.PaidAssets, asset.Hex())
		}
		view.Tiers = append(view.Tiers, tv)
	}
	if record.FundingGoal != nil {
		progress, err := s.bounties.FundingProgress(record.ID)
		if err != nil {
			return nil, err
		}
		view.FundingGoal = &progressView{
			Asset:    progress.Asset.Hex(),
			Goal:     amountString(progress.Goal),
			Escrowed: amountString(progress.Escrowed),
			Reached:  progress.Reached,
		}
	}
	return view, nil
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	bountyID := strings.TrimSpace(r.URL.Query().Get("bounty"))
	patterns := s.origins
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: patterns})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, bountyID); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
			s.logger.Debug("event stream ended", slog.Any("error", err))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, bountyID string) error {
	var filter func(events.Event) bool
	if bountyID != "" {
		filter = func(evt events.Event) bool {
			typed, ok := evt.(*types.Event)
			return ok && typed.Attr(bounty.AttrBountyID) == bountyID
		}
	}
	updates, cancel := s.bus.Subscribe(wsBuffer, filter)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// journalRequests replays cached responses for repeated Idempotency-Key
// requests and appends every mutating request to the audit trail.
func (s *Server) journalRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := readRequestBody(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		actor := "anonymous"
		if caller, ok := gatewaymw.CallerFromContext(r.Context()); ok {
			actor = strings.ToLower(caller.Address.Hex())
		}
		digest := RequestDigest([]byte(strings.ToUpper(r.Method) + "\n" + r.URL.Path + "\n" + string(body)))
		key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))

		if key != "" {
			cached, err := s.audit.LookupIdempotency(r.Context(), actor, key, digest)
			switch {
			case errors.Is(err, ErrIdempotencyMismatch):
				observability.HTTP().RecordIdempotency("conflict")
				writeError(w, http.StatusConflict, CodeIdempotencyConflict)
				s.record(r, actor, digest, http.StatusConflict, CodeIdempotencyConflict)
				return
			case err != nil:
				s.logger.Error("idempotency lookup failed", slog.Any("error", err))
				writeError(w, http.StatusInternalServerError, CodeInternal)
				return
			case cached != nil:
				observability.HTTP().RecordIdempotency("replayed")
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replay", "true")
				w.WriteHeader(cached.Status)
				_, _ = w.Write(cached.Body)
				s.record(r, actor, digest, cached.Status, errorCodeOf(cached.Body))
				return
			}
		}

		capture := &capturingWriter{ResponseWriter: w}
		next.ServeHTTP(capture, r)
		status := capture.status
		if status == 0 {
			status = http.StatusOK
		}
		if key != "" && status < http.StatusInternalServerError {
			if err := s.audit.SaveIdempotency(r.Context(), actor, key, digest, status, capture.body.Bytes()); err != nil {
				s.logger.Warn("store idempotent response", slog.Any("error", err))
			} else {
				observability.HTTP().RecordIdempotency("stored")
			}
		}
		s.record(r, actor, digest, status, errorCodeOf(capture.body.Bytes()))
	})
}

func (s *Server) record(r *http.Request, actor, digest string, status int, code string) {
	entry := AuditEntry{
		Actor:       actor,
		Method:      r.Method,
		Path:        r.URL.Path,
		RequestHash: digest,
		Status:      status,
		Error:       code,
	}
	if err := s.audit.Record(r.Context(), entry); err != nil {
		s.logger.Warn("audit record failed", slog.Any("error", err))
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	code, status := ErrorCode(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("arbiter request failed", slog.String("code", code), slog.Any("error", err))
	} else {
		s.logger.Debug("arbiter request rejected", slog.String("code", code), slog.Any("error", err))
	}
	writeError(w, status, code)
}

func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	body, err := readRequestBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest)
		return false
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest)
		return false
	}
	return true
}

func readRequestBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
