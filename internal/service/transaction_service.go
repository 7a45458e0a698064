package service

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"waste-sync/internal/apperrors"
	"waste-sync/internal/clock"
	"waste-sync/internal/domain"
	"waste-sync/internal/events"
	"waste-sync/internal/metrics"
	"waste-sync/internal/repository"
)

const DefaultCodeTTL = 72 * time.Hour

// TransactionNotifier delivers out-of-band updates to the parties of a sale.
type TransactionNotifier interface {
	VerificationCodeIssued(sellerID string, code *domain.VerificationCodeResponse)
	TransactionUpdated(tx *domain.WasteTransactionResponse, userIDs ...string)
}

// TransactionService owns the waste sale lifecycle:
//
//	pending -> accepted | rejected
//	accepted -> processed   (issues the verification code to the seller)
//	processed -> paid       (redeems the code)
//
// Every method reads the current document, checks the move, and writes the
// whole document back once. The server sync queue runs them one at a time.
type TransactionService struct {
	repo      repository.TransactionRepository
	codes     CodeGenerator
	notifier  TransactionNotifier
	publisher events.Publisher
	codeTTL   time.Duration
	clock     clock.Clock
	validate  *validator.Validate
	log       *zap.Logger
}

func NewTransactionService(
	repo repository.TransactionRepository,
	codes CodeGenerator,
	notifier TransactionNotifier,
	publisher events.Publisher,
	codeTTL time.Duration,
	log *zap.Logger,
) *TransactionService {
	if codeTTL <= 0 {
		codeTTL = DefaultCodeTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TransactionService{
		repo:      repo,
		codes:     codes,
		notifier:  notifier,
		publisher: publisher,
		codeTTL:   codeTTL,
		clock:     clock.Real{},
		validate:  validator.New(),
		log:       log.With(zap.String("component", "transactions")),
	}
}

// WithClock swaps the time source used for timestamps and code expiry.
func (s *TransactionService) WithClock(clk clock.Clock) *TransactionService {
	s.clock = clk
	return s
}

// Create records a new sale. id may be empty; a caller-chosen id makes a
// replayed create return the existing sale instead of a duplicate.
func (s *TransactionService) Create(ctx context.Context, actor domain.Actor, id string, req *domain.CreateWasteSaleRequest) (*domain.WasteTransactionResponse, error) {
	if actor.Role != domain.RoleWorker && actor.Role != domain.RoleAdmin {
		return nil, apperrors.Forbidden("only workers and municipal staff can sell waste")
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalid, "invalid waste sale", err)
	}
	if id == "" {
		id = uuid.New().String()
	}

	now := s.clock.Now()
	tx := &domain.WasteTransaction{
		ID:         id,
		SellerID:   actor.UserID,
		RecyclerID: req.RecyclerID,
		WasteType:  req.WasteType,
		WeightKg:   req.WeightKg,
		PricePerKg: req.PricePerKg,
		// client totals are ignored
		TotalAmount: domain.ComputeTotal(req.WeightKg, req.PricePerKg),
		Status:      domain.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.repo.Create(ctx, tx); err != nil {
		if apperrors.Is(err, apperrors.CodeConflict) {
			return s.existing(ctx, actor, id)
		}
		return nil, err
	}

	metrics.TransactionTransitionsTotal.WithLabelValues(string(domain.StatusPending)).Inc()
	s.publish(ctx, events.TypeCreated, tx, actor)

	resp := tx.ToResponse()
	s.notifier.TransactionUpdated(resp, tx.RecyclerID)
	return resp, nil
}

func (s *TransactionService) existing(ctx context.Context, actor domain.Actor, id string) (*domain.WasteTransactionResponse, error) {
	tx, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.SellerID != actor.UserID {
		return nil, apperrors.Conflict("transaction id already in use")
	}
	return tx.ToResponse(), nil
}

// Transition moves a sale along the recycler side of the lifecycle. Payment
// goes through Pay, never through here.
func (s *TransactionService) Transition(ctx context.Context, actor domain.Actor, id string, req *domain.UpdateStatusRequest) (*domain.WasteTransactionResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalid, "invalid status update", err)
	}
	reason := strings.TrimSpace(req.RejectionReason)
	if req.Status == domain.StatusRejected && reason == "" {
		return nil, apperrors.Invalid("rejection requires a reason")
	}

	tx, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeRecycler(actor, tx); err != nil {
		return nil, err
	}
	if tx.Status.IsTerminal() {
		return nil, apperrors.Conflict(fmt.Sprintf("transaction is already %s", tx.Status))
	}
	if !domain.CanTransition(tx.Status, req.Status) {
		return nil, apperrors.Conflict(fmt.Sprintf("cannot move transaction from %s to %s", tx.Status, req.Status))
	}

	now := s.clock.Now()
	tx.Status = req.Status
	tx.UpdatedAt = now

	switch req.Status {
	case domain.StatusRejected:
		tx.RejectionReason = reason
	case domain.StatusProcessed:
		code, err := s.codes.Generate()
		if err != nil {
			return nil, fmt.Errorf("failed to generate verification code: %w", err)
		}
		tx.VerificationCode = &code
		tx.VerificationIssuedAt = &now
		tx.ProcessedAt = &now
	}

	if err := s.repo.Update(ctx, tx); err != nil {
		return nil, err
	}

	metrics.TransactionTransitionsTotal.WithLabelValues(string(tx.Status)).Inc()
	s.publish(ctx, events.TypeFor(tx.Status), tx, actor)

	resp := tx.ToResponse()
	if tx.Status == domain.StatusProcessed {
		s.notifier.VerificationCodeIssued(tx.SellerID, s.codeResponse(tx))
	}
	s.notifier.TransactionUpdated(resp, tx.SellerID)
	return resp, nil
}

// Pay redeems the verification code and closes the sale. The code is
// cleared in the same write that marks the sale paid, so it can never be
// redeemed twice.
func (s *TransactionService) Pay(ctx context.Context, actor domain.Actor, id string, req *domain.PaymentRequest) (*domain.WasteTransactionResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalid, "invalid payment", err)
	}
	if req.TransactionID != "" && req.TransactionID != id {
		return nil, apperrors.Invalid("transactionId does not match the order")
	}

	tx, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeRecycler(actor, tx); err != nil {
		return nil, err
	}

	switch tx.Status {
	case domain.StatusProcessed:
	case domain.StatusPaid:
		metrics.VerificationFailuresTotal.Inc()
		return nil, apperrors.Unauthorized("verification code has already been used")
	default:
		return nil, apperrors.Conflict(fmt.Sprintf("cannot pay a transaction that is %s", tx.Status))
	}

	now := s.clock.Now()
	if tx.VerificationCode == nil {
		metrics.VerificationFailuresTotal.Inc()
		return nil, apperrors.Unauthorized("no verification code issued")
	}
	if tx.VerificationIssuedAt != nil && !now.Before(tx.VerificationIssuedAt.Add(s.codeTTL)) {
		metrics.VerificationFailuresTotal.Inc()
		return nil, apperrors.Unauthorized("verification code has expired")
	}
	submitted := strings.ToUpper(strings.TrimSpace(req.VerificationCode))
	if subtle.ConstantTimeCompare([]byte(submitted), []byte(*tx.VerificationCode)) != 1 {
		metrics.VerificationFailuresTotal.Inc()
		s.log.Warn("verification code mismatch", zap.String("transaction_id", id), zap.String("actor_id", actor.UserID))
		return nil, apperrors.Unauthorized("invalid verification code")
	}

	ref := "PAY-" + strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))
	tx.Status = domain.StatusPaid
	tx.VerificationCode = nil
	tx.PaymentReference = &ref
	tx.PaymentMethod = req.PaymentMethod
	tx.PaidAt = &now
	tx.UpdatedAt = now

	if err := s.repo.Update(ctx, tx); err != nil {
		return nil, err
	}

	metrics.TransactionTransitionsTotal.WithLabelValues(string(domain.StatusPaid)).Inc()
	s.publish(ctx, events.TypePaid, tx, actor)

	resp := tx.ToResponse()
	s.notifier.TransactionUpdated(resp, tx.SellerID)
	return resp, nil
}

// ReissueCode replaces the code of a processed sale, typically after it
// expired. The sale stays processed.
func (s *TransactionService) ReissueCode(ctx context.Context, actor domain.Actor, id string) (*domain.VerificationCodeResponse, error) {
	tx, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.SellerID != actor.UserID {
		return nil, apperrors.Forbidden("only the seller can request a new code")
	}
	if tx.Status != domain.StatusProcessed {
		return nil, apperrors.Conflict(fmt.Sprintf("transaction is %s, codes exist only while processed", tx.Status))
	}

	code, err := s.codes.Generate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate verification code: %w", err)
	}
	now := s.clock.Now()
	tx.VerificationCode = &code
	tx.VerificationIssuedAt = &now
	tx.UpdatedAt = now

	if err := s.repo.Update(ctx, tx); err != nil {
		return nil, err
	}

	s.publish(ctx, events.TypeCodeReissued, tx, actor)

	resp := s.codeResponse(tx)
	s.notifier.VerificationCodeIssued(tx.SellerID, resp)
	return resp, nil
}

// VerificationCode lets the seller read the active code of their own sale.
func (s *TransactionService) VerificationCode(ctx context.Context, actor domain.Actor, id string) (*domain.VerificationCodeResponse, error) {
	tx, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.SellerID != actor.UserID {
		return nil, apperrors.Forbidden("only the seller can read the verification code")
	}
	if tx.Status != domain.StatusProcessed || tx.VerificationCode == nil {
		return nil, apperrors.NotFound("no active verification code")
	}
	return s.codeResponse(tx), nil
}

func (s *TransactionService) Get(ctx context.Context, actor domain.Actor, id string) (*domain.WasteTransactionResponse, error) {
	tx, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role != domain.RoleAdmin && tx.SellerID != actor.UserID && tx.RecyclerID != actor.UserID {
		return nil, apperrors.Forbidden("transaction does not belong to user")
	}
	return tx.ToResponse(), nil
}

func (s *TransactionService) List(ctx context.Context, actor domain.Actor, status domain.TransactionStatus) ([]*domain.WasteTransactionResponse, error) {
	txs, err := s.scoped(ctx, actor, status)
	if err != nil {
		return nil, err
	}

	responses := make([]*domain.WasteTransactionResponse, 0, len(txs))
	for _, tx := range txs {
		responses = append(responses, tx.ToResponse())
	}
	return responses, nil
}

func (s *TransactionService) Stats(ctx context.Context, actor domain.Actor) (*domain.TransactionStats, error) {
	txs, err := s.scoped(ctx, actor, "")
	if err != nil {
		return nil, err
	}

	stats := &domain.TransactionStats{
		Role:     actor.Role,
		Total:    len(txs),
		ByStatus: make(map[domain.TransactionStatus]int),
	}
	for _, tx := range txs {
		stats.ByStatus[tx.Status]++
		if tx.Status != domain.StatusRejected {
			stats.TotalWeightKg += tx.WeightKg
		}
		if tx.Status == domain.StatusPaid {
			stats.TotalPaid += tx.TotalAmount
		}
	}
	stats.TotalWeightKg = domain.RoundAmount(stats.TotalWeightKg)
	stats.TotalPaid = domain.RoundAmount(stats.TotalPaid)
	return stats, nil
}

func (s *TransactionService) scoped(ctx context.Context, actor domain.Actor, status domain.TransactionStatus) ([]*domain.WasteTransaction, error) {
	filter := repository.TransactionFilter{Status: status}
	switch actor.Role {
	case domain.RoleWorker:
		filter.SellerID = actor.UserID
	case domain.RoleRecycler:
		filter.RecyclerID = actor.UserID
	case domain.RoleAdmin:
	default:
		return nil, apperrors.Forbidden("role cannot view waste sales")
	}
	return s.repo.List(ctx, filter)
}

func (s *TransactionService) authorizeRecycler(actor domain.Actor, tx *domain.WasteTransaction) error {
	if actor.Role != domain.RoleRecycler || tx.RecyclerID != actor.UserID {
		return apperrors.Forbidden("only the assigned recycling center can update this sale")
	}
	return nil
}

func (s *TransactionService) codeResponse(tx *domain.WasteTransaction) *domain.VerificationCodeResponse {
	resp := &domain.VerificationCodeResponse{TransactionID: tx.ID}
	if tx.VerificationCode != nil {
		resp.Code = *tx.VerificationCode
	}
	if tx.VerificationIssuedAt != nil {
		resp.IssuedAt = *tx.VerificationIssuedAt
		resp.ExpiresAt = tx.VerificationIssuedAt.Add(s.codeTTL)
	}
	return resp
}

// publish never fails the write that triggered it.
func (s *TransactionService) publish(ctx context.Context, typ events.Type, tx *domain.WasteTransaction, actor domain.Actor) {
	if s.publisher == nil {
		return
	}
	err := s.publisher.Publish(ctx, events.Event{
		Type:          typ,
		TransactionID: tx.ID,
		Status:        tx.Status,
		ActorID:       actor.UserID,
		ActorRole:     actor.Role,
		TotalAmount:   tx.TotalAmount,
		OccurredAt:    tx.UpdatedAt,
	})
	if err != nil {
		s.log.Error("failed to publish lifecycle event", zap.String("type", string(typ)), zap.String("transaction_id", tx.ID), zap.Error(err))
	}
}
