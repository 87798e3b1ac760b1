package arbiterd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"bountyescrow/core/types"
	"bountyescrow/native/bounty"
	"bountyescrow/native/claims"
	"bountyescrow/native/identity"
	"bountyescrow/native/scoring"
)

// Error codes returned in {"error": CODE} bodies.
const (
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeNotRequested         = "NOT_REQUESTED"
	CodeAlreadyConfirmed     = "ALREADY_CONFIRMED"
	CodeRepositoryNotFound   = "REPOSITORY_NOT_FOUND"
	CodePullRequestNotFound  = "PULL_REQUEST_NOT_FOUND"
	CodeBountyNotFound       = "BOUNTY_NOT_FOUND"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeSettlementFailed     = "SETTLEMENT_FAILED"
	CodeScoreTooLow          = "SCORE_TOO_LOW"
	CodeClaimantIsOwner      = "CLAIMANT_IS_OWNER"
	CodeCompletionTooOld     = "COMPLETION_TOO_OLD"
	CodeProviderUnavailable  = "PROVIDER_UNAVAILABLE"
	CodeIdempotencyConflict  = "IDEMPOTENCY_CONFLICT"
	CodeInternal             = "INTERNAL"
	CodeRegistrationRejected = "REGISTRATION_REJECTED"
)

// Error is a failure carrying the stable code and HTTP status reported to
// the client.
type Error struct {
	Code   string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return e.Code + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func fail(code string, status int, err error) *Error {
	return &Error{Code: code, Status: status, Err: err}
}

// ErrorCode extracts the client facing code and status of err.
func ErrorCode(err error) (string, int) {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr.Code, svcErr.Status
	}
	return CodeInternal, http.StatusInternalServerError
}

// RegisterFunderRequest binds a claim address to an external id after
// proving the id owns the repository.
type RegisterFunderRequest struct {
	ExternalID string `json:"externalId"`
	Address    string `json:"address"`
	Repository string `json:"repository"`
}

// ClaimInput records a claim to be confirmed later.
type ClaimInput struct {
	Kind        ClaimKind `json:"kind"`
	BountyID    string    `json:"bountyId"`
	Repository  string    `json:"repository"`
	PullNumber  int       `json:"pullNumber"`
	ExternalID  string    `json:"externalId"`
	RequestedBy string    `json:"requestedBy"`
	Payout      string    `json:"payout"`
	Tier        int       `json:"tier"`
}

// Confirmation reports the result of a settled claim request.
type Confirmation struct {
	Request *ClaimRequest     `json:"request"`
	Score   int               `json:"score,omitempty"`
	Paid    map[string]string `json:"paid"`
	NFTs    []string          `json:"nonFungibleDeposits,omitempty"`
	Variant string            `json:"variant"`
	Tier    int               `json:"tier"`
	Payee   common.Address    `json:"payee"`
}

// Service confirms claims against the identity provider and settles them
// through the claim engine as the configured arbiter.
type Service struct {
	claims     *claims.Engine
	bounties   *bounty.Engine
	identities *identity.Registry
	authority  *types.Authority
	scorer     *scoring.Scorer
	provider   IdentityProvider
	store      *Store
	arbiter    common.Address
	logger     *slog.Logger
	nowFn      func() time.Time

	mu    sync.Mutex
	locks map[uuid.UUID]*requestLock
}

type requestLock struct {
	sync.Mutex
	refs int
}

// ServiceDeps groups the collaborators of Service.
type ServiceDeps struct {
	Claims     *claims.Engine
	Bounties   *bounty.Engine
	Identities *identity.Registry
	Authority  *types.Authority
	Scorer     *scoring.Scorer
	Provider   IdentityProvider
	Store      *Store
	Arbiter    common.Address
	Logger     *slog.Logger
}

// NewService validates deps and returns a service.
func NewService(deps ServiceDeps) (*Service, error) {
	switch {
	case deps.Claims == nil:
		return nil, errors.New("arbiterd: claim engine required")
	case deps.Bounties == nil:
		return nil, errors.New("arbiterd: bounty engine required")
	case deps.Identities == nil:
		return nil, errors.New("arbiterd: identity registry required")
	case deps.Authority == nil:
		return nil, errors.New("arbiterd: authority required")
	case deps.Scorer == nil:
		return nil, errors.New("arbiterd: scorer required")
	case deps.Provider == nil:
		return nil, errors.New("arbiterd: identity provider required")
	case deps.Store == nil:
		return nil, errors.New("arbiterd: store required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		claims:     deps.Claims,
		bounties:   deps.Bounties,
		identities: deps.Identities,
		authority:  deps.Authority,
		scorer:     deps.Scorer,
		provider:   deps.Provider,
		store:      deps.Store,
		arbiter:    deps.Arbiter,
		logger:     logger,
		nowFn:      time.Now,
		locks:      make(map[uuid.UUID]*requestLock),
	}, nil
}

// SetNowFunc overrides the clock used for completion ages.
func (s *Service) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.nowFn = now
}

// Actor returns the ledger capability of the configured arbiter. HTTP
// callers operate the service; the ledger only ever sees this identity.
func (s *Service) Actor() types.Caller {
	return s.authority.Resolve(s.arbiter)
}

// RegisterFunder verifies that req.ExternalID owns req.Repository and binds
// it to req.Address in the identity registry.
func (s *Service) RegisterFunder(ctx context.Context, req RegisterFunderRequest) (*FunderRegistration, error) {
	externalID := identity.NormalizeExternalID(req.ExternalID)
	if externalID == "" {
		return nil, fail(CodeInvalidRequest, http.StatusBadRequest, errors.New("externalId required"))
	}
	if !common.IsHexAddress(strings.TrimSpace(req.Address)) {
		return nil, fail(CodeInvalidRequest, http.StatusBadRequest, errors.New("address must be hex"))
	}
	if _, _, err := SplitRepository(req.Repository); err != nil {
		return nil, fail(CodeInvalidRequest, http.StatusBadRequest, err)
	}
	repo, err := s.provider.Repository(ctx, strings.TrimSpace(req.Repository))
	if err != nil {
		return nil, providerError(err)
	}
	if repo.OwnerLogin != externalID {
		s.logger.Warn("funder registration rejected",
			slog.String("external_id", externalID),
			slog.String("repository", repo.FullName))
		return nil, fail(CodeUnauthorized, http.StatusForbidden, errors.New("external id does not own repository"))
	}
	addr := common.HexToAddress(strings.TrimSpace(req.Address))
	if _, err := s.identities.Associate(ctx, s.Actor(), externalID, addr); err != nil {
		if errors.Is(err, identity.ErrUnauthorized) {
			return nil, fail(CodeUnauthorized, http.StatusForbidden, err)
		}
		return nil, fail(CodeRegistrationRejected, http.StatusUnprocessableEntity, err)
	}
	reg := &FunderRegistration{ExternalID: externalID, Address: addr.Hex(), Repository: repo.FullName}
	if err := s.store.SaveFunder(ctx, reg); err != nil {
		return nil, fail(CodeInternal, http.StatusInternalServerError, err)
	}
	s.logger.Info("funder registered",
		slog.String("external_id", externalID),
		slog.String("address", addr.Hex()),
		slog.String("repository", repo.FullName))
	return reg, nil
}

// RequestClaim validates and stores a claim request.
func (s *Service) RequestClaim(ctx context.Context, in ClaimInput) (*ClaimRequest, error) {
	if !in.Kind.Valid() {
		return nil, fail(CodeInvalidRequest, http.StatusBadRequest, fmt.Errorf("unknown kind %q", in.Kind))
	}
	record, err := s.bounties.GetBounty(strings.TrimSpace(in.BountyID))
	if err != nil {
		return nil, bountyError(err)
	}
	if _, _, err := SplitRepository(in.Repository); err != nil {
		return nil, fail(CodeInvalidRequest, http.StatusBadRequest, err)
	}
	if !common.IsHexAddress(strings.TrimSpace(in.Payout)) {
		return nil, fail(CodeInvalidRequest, http.StatusBadRequest, errors.New("payout must be hex"))
	}
	externalID := identity.NormalizeExternalID(in.ExternalID)
	if externalID == "" {
		return nil, fail(CodeInvalidRequest, http.StatusBadRequest, errors.New("externalId required"))
	}
	requestedBy := identity.NormalizeExternalID(in.RequestedBy)
	switch in.Kind {
	case ClaimKindPullRequest:
		if in.PullNumber <= 0 {
			return nil, fail(CodeInvalidRequest, http.StatusBadRequest, errors.New("pullNumber must be positive"))
		}
	case ClaimKindRelease:
		if requestedBy == "" {
			return nil, fail(CodeInvalidRequest, http.StatusBadRequest, errors.New("requestedBy required"))
		}
	}
	tier := 0
	if record.Variant.Tiered() {
		if _, err := record.Tier(in.Tier); err != nil {
			return nil, fail(CodeInvalidRequest, http.StatusBadRequest, err)
		}
		tier = in.Tier
	}
	req := &ClaimRequest{
		Kind:        in.Kind,
		BountyID:    record.ID,
		Repository:  strings.TrimSpace(in.Repository),
		PullNumber:  in.PullNumber,
		ExternalID:  externalID,
		RequestedBy: requestedBy,
		Payout:      common.HexToAddress(strings.TrimSpace(in.Payout)).Hex(),
		Tier:        tier,
	}
	if err := s.store.CreateClaim(ctx, req); err != nil {
		return nil, fail(CodeInternal, http.StatusInternalServerError, err)
	}
	s.logger.Info("claim requested",
		slog.String("id", req.ID.String()),
		slog.String("kind", string(req.Kind)),
		slog.String("bounty_id", req.BountyID))
	return req, nil
}

// ConfirmPR checks the merged pull request behind a claim request, scores
// the claimant and settles the bounty.
func (s *Service) ConfirmPR(ctx context.Context, id uuid.UUID) (*Confirmation, error) {
	unlock := s.lock(id)
	defer unlock()

	req, record, err := s.load(ctx, id, ClaimKindPullRequest)
	if err != nil {
		return nil, err
	}
	repo, err := s.provider.Repository(ctx, req.Repository)
	if err != nil {
		return nil, providerError(err)
	}
	pull, err := s.provider.PullRequest(ctx, req.Repository, req.PullNumber)
	if err != nil {
		return nil, providerError(err)
	}
	if !pull.Merged {
		return nil, fail(CodeInvalidRequest, http.StatusConflict, errors.New("pull request not merged"))
	}
	if pull.AuthorLogin != req.ExternalID {
		return nil, fail(CodeUnauthorized, http.StatusForbidden, errors.New("pull request author does not match claimant"))
	}
	account, err := s.provider.Account(ctx, pull.AuthorLogin)
	if err != nil {
		return nil, providerError(err)
	}
	now := s.nowFn()
	result, err := s.scorer.Evaluate(scoring.Signals{
		AccountAgeDays:    ageDays(now, account.CreatedAt),
		Followers:         account.Followers,
		RepositoryAgeDays: ageDays(now, repo.CreatedAt),
		Stars:             repo.Stars,
		Forks:             repo.Forks,
		ClaimantIsOwner:   pull.AuthorLogin == repo.OwnerLogin,
		CompletionAge:     now.Sub(pull.MergedAt),
	})
	if err != nil {
		s.recordFailure(ctx, id, err)
		return nil, scoringError(err)
	}
	source := fmt.Sprintf("%s#%d", repo.FullName, pull.Number)
	confirmation, err := s.settle(ctx, req, record, source)
	if err != nil {
		return nil, err
	}
	confirmation.Score = result.Score
	if err := s.finish(ctx, req, result.Score, confirmation); err != nil {
		return nil, err
	}
	return confirmation, nil
}

// ConfirmRelease settles an issue-release request once the requester is
// shown to own the repository and, when the bounty names one, to be its
// issuer.
func (s *Service) ConfirmRelease(ctx context.Context, id uuid.UUID) (*Confirmation, error) {
	unlock := s.lock(id)
	defer unlock()

	req, record, err := s.load(ctx, id, ClaimKindRelease)
	if err != nil {
		return nil, err
	}
	repo, err := s.provider.Repository(ctx, req.Repository)
	if err != nil {
		return nil, providerError(err)
	}
	if repo.OwnerLogin != req.RequestedBy {
		return nil, fail(CodeUnauthorized, http.StatusForbidden, errors.New("requester does not own repository"))
	}
	if record.IssuerExternalID != "" && record.IssuerExternalID != req.RequestedBy {
		return nil, fail(CodeUnauthorized, http.StatusForbidden, errors.New("requester is not the bounty issuer"))
	}
	registered, err := s.store.FundersFor(ctx, req.RequestedBy)
	if err != nil {
		return nil, fail(CodeInternal, http.StatusInternalServerError, err)
	}
	if !registeredFor(registered, repo.FullName) {
		return nil, fail(CodeUnauthorized, http.StatusForbidden, errors.New("requester has not registered for repository"))
	}
	confirmation, err := s.settle(ctx, req, record, repo.FullName+"@release")
	if err != nil {
		return nil, err
	}
	if err := s.finish(ctx, req, 0, confirmation); err != nil {
		return nil, err
	}
	return confirmation, nil
}

func (s *Service) load(ctx context.Context, id uuid.UUID, kind ClaimKind) (*ClaimRequest, *bounty.Bounty, error) {
	req, err := s.store.GetClaim(ctx, id)
	if errors.Is(err, ErrClaimNotFound) {
		return nil, nil, fail(CodeNotRequested, http.StatusNotFound, err)
	}
	if err != nil {
		return nil, nil, fail(CodeInternal, http.StatusInternalServerError, err)
	}
	if req.Status == ClaimStatusConfirmed {
		return nil, nil, fail(CodeAlreadyConfirmed, http.StatusConflict, ErrClaimAlreadyConfirmed)
	}
	if req.Kind != kind {
		return nil, nil, fail(CodeInvalidRequest, http.StatusBadRequest, fmt.Errorf("request is a %s claim", req.Kind))
	}
	record, err := s.bounties.GetBounty(req.BountyID)
	if err != nil {
		return nil, nil, bountyError(err)
	}
	return req, record, nil
}

func (s *Service) settle(ctx context.Context, req *ClaimRequest, record *bounty.Bounty, source string) (*Confirmation, error) {
	payout := common.HexToAddress(req.Payout)
	evidence, err := claims.EncodeEvidence(bounty.Evidence{
		Payee:      payout,
		ExternalID: req.ExternalID,
		SourceRef:  source,
		Tier:       req.Tier,
	}, record.Variant.Tiered())
	if err != nil {
		return nil, fail(CodeInvalidRequest, http.StatusBadRequest, err)
	}
	settlement, err := s.claims.ClaimBounty(ctx, s.Actor(), record.Address, payout, evidence)
	if err != nil {
		s.recordFailure(ctx, req.ID, err)
		if errors.Is(err, claims.ErrUnauthorized) {
			return nil, fail(CodeUnauthorized, http.StatusForbidden, err)
		}
		return nil, fail(CodeSettlementFailed, http.StatusBadGateway, err)
	}
	out := &Confirmation{
		Request: req,
		Paid:    make(map[string]string, len(settlement.Paid)),
		Variant: settlement.Variant.String(),
		Tier:    settlement.Tier,
		Payee:   settlement.Payee,
	}
	for asset, amount := range settlement.Paid {
		out.Paid[asset.Hex()] = amountString(amount)
	}
	for _, d := range settlement.NonFungible {
		out.NFTs = append(out.NFTs, d.ID.Hex())
	}
	return out, nil
}

func (s *Service) finish(ctx context.Context, req *ClaimRequest, score int, confirmation *Confirmation) error {
	if err := s.store.MarkConfirmed(ctx, req.ID, score); err != nil {
		s.logger.Error("claim settled but not marked confirmed",
			slog.String("id", req.ID.String()),
			slog.Any("error", err))
		if errors.Is(err, ErrClaimAlreadyConfirmed) {
			return fail(CodeAlreadyConfirmed, http.StatusConflict, err)
		}
		return fail(CodeInternal, http.StatusInternalServerError, err)
	}
	confirmed, err := s.store.GetClaim(ctx, req.ID)
	if err == nil {
		confirmation.Request = confirmed
	}
	s.logger.Info("claim confirmed",
		slog.String("id", req.ID.String()),
		slog.String("bounty_id", req.BountyID),
		slog.String("payee", confirmation.Payee.Hex()),
		slog.Int("score", score))
	return nil
}

func (s *Service) recordFailure(ctx context.Context, id uuid.UUID, cause error) {
	if err := s.store.RecordFailure(ctx, id, cause.Error()); err != nil {
		s.logger.Warn("record claim failure", slog.String("id", id.String()), slog.Any("error", err))
	}
}

// lock serialises confirmations of one request. The entry is dropped once
// the last holder unlocks.
func (s *Service) lock(id uuid.UUID) func() {
	s.mu.Lock()
	m, ok := s.locks[id]
	if !ok {
		m = new(requestLock)
		s.locks[id] = m
	}
	m.refs++
	s.mu.Unlock()
	m.Lock()
	return func() {
		m.Unlock()
		s.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

func registeredFor(regs []FunderRegistration, repository string) bool {
	for _, reg := range regs {
		if strings.EqualFold(reg.Repository, repository) {
			return true
		}
	}
	return false
}

func providerError(err error) *Error {
	switch {
	case errors.Is(err, ErrRepositoryNotFound):
		return fail(CodeRepositoryNotFound, http.StatusNotFound, err)
	case errors.Is(err, ErrPullRequestNotFound):
		return fail(CodePullRequestNotFound, http.StatusNotFound, err)
	case errors.Is(err, ErrAccountNotFound):
		return fail(CodeUnauthorized, http.StatusForbidden, err)
	default:
		return fail(CodeProviderUnavailable, http.StatusBadGateway, err)
	}
}

func scoringError(err error) *Error {
	switch {
	case errors.Is(err, scoring.ErrClaimantIsOwner):
		return fail(CodeClaimantIsOwner, http.StatusForbidden, err)
	case errors.Is(err, scoring.ErrCompletionTooOld):
		return fail(CodeCompletionTooOld, http.StatusUnprocessableEntity, err)
	case errors.Is(err, scoring.ErrScoreTooLow):
		return fail(CodeScoreTooLow, http.StatusUnprocessableEntity, err)
	default:
		return fail(CodeInvalidRequest, http.StatusBadRequest, err)
	}
}

func bountyError(err error) *Error {
	if errors.Is(err, bounty.ErrBountyNotFound) {
		return fail(CodeBountyNotFound, http.StatusNotFound, err)
	}
	if errors.Is(err, bounty.ErrEmptyIdentifier) {
		return fail(CodeInvalidRequest, http.StatusBadRequest, err)
	}
	return fail(CodeInternal, http.StatusInternalServerError, err)
}

func ageDays(now, since time.Time) int64 {
	if since.IsZero() || since.After(now) {
		return 0
	}
	return int64(now.Sub(since) / (24 * time.Hour))
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
