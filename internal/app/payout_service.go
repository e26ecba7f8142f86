package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/rentflow/billing-service/internal/domain"
	"github.com/rentflow/billing-service/internal/store"
	"github.com/rentflow/billing-service/pkg/payoutclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const scopePayout = "payout"

// Disburse pays out the eligible payments among paymentIDs, one gateway call per landlord.
//
// Every landlord group is checked against the minimum payout before any call is made, so a
// single group under the floor fails the whole request and nothing is disbursed. After that
// each group stands alone: a gateway failure leaves that group's payments unpaid and is
// reported, while groups already accepted stay committed. The first gateway error is returned
// alongside the partial result.
func (s *Service) Disburse(ctx context.Context, subject string, req domain.DisburseRequest) (*domain.DisbursementResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := s.consumeRateLimit(ctx, scopePayout, subject, s.settings.PayoutLimitPerMinute); err != nil {
		return nil, err
	}

	candidates, err := s.repo.ListPayoutCandidates(ctx, req.PaymentIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list payout candidates: %w", err)
	}
	if len(candidates) == 0 {
		s.metrics.Payout("no_eligible", decimal.Zero)
		return nil, domain.ErrNoEligiblePayments
	}

	batches := groupPayoutCandidates(candidates)
	for _, batch := range batches {
		if err := s.checkMinimum(batch); err != nil {
			return nil, err
		}
	}

	result := &domain.DisbursementResult{
		Payouts:     make([]domain.PayoutHistory, 0, len(batches)),
		TotalAmount: decimal.Zero,
	}
	var firstErr error
	for _, batch := range batches {
		history, err := s.disburseBatch(ctx, batch)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			result.Failed = append(result.Failed, domain.PayoutFailure{
				LandlordID:  batch.LandlordID,
				PaymentIDs:  batch.PaymentIDs,
				TotalAmount: batch.TotalAmount,
				Error:       err.Error(),
			})
			continue
		}
		if history == nil {
			continue
		}
		result.Payouts = append(result.Payouts, *history)
		result.TotalAmount = result.TotalAmount.Add(history.Amount)
	}
	return result, firstErr
}

func (s *Service) checkMinimum(batch domain.PayoutBatch) error {
	if batch.TotalAmount.GreaterThanOrEqual(s.settings.MinimumPayout) {
		return nil
	}
	s.metrics.Payout("below_minimum", batch.TotalAmount)
	return &domain.BelowMinimumPayoutError{
		LandlordID: batch.LandlordID,
		Amount:     batch.TotalAmount,
		Minimum:    s.settings.MinimumPayout,
	}
}

// disburseBatch pays one landlord group. The payments move to in_payout only after the
// gateway accepted the payout. A nil history with a nil error means the group was paid
// out concurrently and nothing was left to do.
//
// The idempotency key is reserved in a payout attempt before the gateway call. A timeout,
// a server error or a failed write after acceptance leaves the attempt open, and the next
// request for the same payments sends the same key again.
func (s *Service) disburseBatch(ctx context.Context, batch domain.PayoutBatch) (*domain.PayoutHistory, error) {
	log := s.logger.With(zap.String("component", "payout"), zap.Int64("landlord_id", batch.LandlordID))

	release, err := s.locker.Acquire(ctx, batch.LandlordID)
	if err != nil {
		return nil, err
	}
	defer release()

	// Re-read under the lock so a concurrent request cannot pay the same rows twice.
	fresh, err := s.repo.ListPayoutCandidates(ctx, batch.PaymentIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to reload payout candidates: %w", err)
	}
	regrouped := groupPayoutCandidates(fresh)
	if len(regrouped) == 0 {
		log.Info("payout skipped", zap.String("outcome", "already_disbursed"))
		return nil, nil
	}
	batch = regrouped[0]
	if err := s.checkMinimum(batch); err != nil {
		return nil, err
	}

	attempt, err := s.reservePayoutAttempt(ctx, batch, log)
	if err != nil {
		return nil, err
	}
	batch.ExternalID = attempt.ExternalID
	payload := payoutclient.CreatePayoutRequest{
		ReferenceID: batch.ExternalID,
		ChannelCode: batch.ChannelCode,
		ChannelProperties: payoutclient.ChannelProperties{
			AccountHolderName: batch.AccountHolderName,
			AccountNumber:     batch.AccountNumber,
		},
		Amount:      batch.TotalAmount,
		Currency:    s.settings.Currency,
		Description: fmt.Sprintf("Rent collection payout for landlord %d", batch.LandlordID),
		Metadata: map[string]any{
			"landlord_id": batch.LandlordID,
			"payment_ids": batch.PaymentIDs,
		},
	}

	payout, err := s.gateway.CreatePayout(ctx, payload, batch.ExternalID)
	if err != nil {
		gwErr := toGatewayError("create_payout", err)
		rejected := gatewayRejected(gwErr)
		if rejected {
			if closeErr := s.repo.ClosePayoutAttempt(ctx, attempt.ID, domain.PayoutAttemptRejected); closeErr != nil {
				log.Warn("failed to close rejected payout attempt",
					zap.String("external_id", batch.ExternalID),
					zap.Error(closeErr),
				)
			}
		}
		s.metrics.Payout("gateway_failed", batch.TotalAmount)
		log.Error("payout rejected by gateway",
			zap.String("outcome", "gateway_failed"),
			zap.String("external_id", batch.ExternalID),
			zap.Bool("key_reserved", !rejected),
			zap.Int("status", gwErr.StatusCode),
			zap.String("body", gwErr.Body),
			zap.Error(err),
		)
		return nil, gwErr
	}

	history := &domain.PayoutHistory{
		LandlordID:      batch.LandlordID,
		Amount:          batch.TotalAmount,
		PaymentIDs:      batch.PaymentIDs,
		ChannelCode:     batch.ChannelCode,
		ExternalID:      batch.ExternalID,
		GatewayPayoutID: payout.ID,
		Status:          domain.PayoutHistoryAccepted,
	}
	err = s.repo.InTx(ctx, func(q store.Queries) error {
		if err := q.InsertPayoutHistory(ctx, history); err != nil {
			return err
		}
		moved, err := q.MarkPaymentsInPayout(ctx, batch.PaymentIDs)
		if err != nil {
			return err
		}
		if moved != int64(len(batch.PaymentIDs)) {
			log.Warn("payout batch moved fewer payments than submitted",
				zap.String("external_id", batch.ExternalID),
				zap.Int64("moved", moved),
				zap.Int("submitted", len(batch.PaymentIDs)),
			)
		}
		if err := q.ClosePayoutAttempt(ctx, attempt.ID, domain.PayoutAttemptRecorded); err != nil {
			return err
		}
		return enqueue(ctx, q, domain.NewNotification(batch.LandlordID,
			"Payout on the way",
			fmt.Sprintf("A payout of %s has been sent to your %s account.", peso(batch.TotalAmount), batch.ChannelCode),
			"/landlord/payouts",
		))
	})
	if err != nil {
		// The attempt stays open, so retrying these payments replays the same key.
		s.metrics.Payout("record_failed", batch.TotalAmount)
		log.Error("failed to record accepted payout",
			zap.String("outcome", "record_failed"),
			zap.String("external_id", batch.ExternalID),
			zap.String("gateway_payout_id", payout.ID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("payout %s accepted but not recorded: %w", batch.ExternalID, err)
	}

	s.metrics.Payout("accepted", batch.TotalAmount)
	log.Info("payout accepted",
		zap.String("outcome", "accepted"),
		zap.String("external_id", batch.ExternalID),
		zap.String("gateway_payout_id", payout.ID),
		zap.String("amount", batch.TotalAmount.StringFixed(2)),
		zap.Int("payments", len(batch.PaymentIDs)),
	)
	return history, nil
}

// reservePayoutAttempt returns the landlord's open attempt when it was opened for this
// batch, or opens a new one. An open attempt for other payments may still be live at the
// gateway, so it blocks new payouts until it is retried or none of its payments remain
// eligible.
func (s *Service) reservePayoutAttempt(ctx context.Context, batch domain.PayoutBatch, log *zap.Logger) (*domain.PayoutAttempt, error) {
	open, err := s.repo.FindOpenPayoutAttempt(ctx, batch.LandlordID)
	switch {
	case err == nil:
		if open.Covers(batch) {
			log.Info("payout attempt resumed", zap.String("external_id", open.ExternalID))
			return open, nil
		}
		remaining, err := s.repo.ListPayoutCandidates(ctx, open.PaymentIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to reload payout attempt payments: %w", err)
		}
		if len(remaining) > 0 {
			s.metrics.Payout("unresolved_attempt", batch.TotalAmount)
			return nil, domain.ErrConflict.New("landlord %d has an unresolved payout %s for payments %v; retry those payments first",
				open.LandlordID, open.ExternalID, open.PaymentIDs)
		}
		if err := s.repo.ClosePayoutAttempt(ctx, open.ID, domain.PayoutAttemptRejected); err != nil && !errors.Is(err, store.ErrPayoutAttemptNotFound) {
			return nil, err
		}
		log.Info("stale payout attempt closed", zap.String("external_id", open.ExternalID))
	case errors.Is(err, store.ErrPayoutAttemptNotFound):
	default:
		return nil, fmt.Errorf("failed to load payout attempt: %w", err)
	}

	attempt := &domain.PayoutAttempt{
		LandlordID: batch.LandlordID,
		ExternalID: domain.PayoutExternalID(s.now(), batch.LandlordID),
		Amount:     batch.TotalAmount,
		PaymentIDs: batch.PaymentIDs,
	}
	if err := s.repo.InsertPayoutAttempt(ctx, attempt); err != nil {
		return nil, fmt.Errorf("failed to reserve payout attempt: %w", err)
	}
	return attempt, nil
}

// gatewayRejected reports a client error that resending the same request cannot change.
func gatewayRejected(err *domain.GatewayError) bool {
	switch err.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return err.StatusCode >= 400 && err.StatusCode < 500
}

func toGatewayError(operation string, err error) *domain.GatewayError {
	gwErr := &domain.GatewayError{Operation: operation, Err: err}
	var apiErr *payoutclient.ErrorResponse
	if errors.As(err, &apiErr) {
		gwErr.StatusCode = apiErr.StatusCode
		gwErr.Body = apiErr.Body
	}
	return gwErr
}

// groupPayoutCandidates groups candidates by landlord, ordered by landlord id. Totals are
// rounded to centavos.
func groupPayoutCandidates(candidates []domain.PayoutCandidate) []domain.PayoutBatch {
	index := make(map[int64]int)
	batches := make([]domain.PayoutBatch, 0)
	for _, c := range candidates {
		i, ok := index[c.LandlordID]
		if !ok {
			i = len(batches)
			index[c.LandlordID] = i
			batches = append(batches, domain.PayoutBatch{
				LandlordID:        c.LandlordID,
				TotalAmount:       decimal.Zero,
				ChannelCode:       c.ChannelCode,
				AccountHolderName: c.AccountHolderName,
				AccountNumber:     c.AccountNumber,
			})
		}
		batches[i].PaymentIDs = append(batches[i].PaymentIDs, c.PaymentID)
		batches[i].TotalAmount = batches[i].TotalAmount.Add(c.NetAmount)
	}
	for i := range batches {
		batches[i].TotalAmount = domain.RoundMoney(batches[i].TotalAmount)
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].LandlordID < batches[j].LandlordID })
	return batches
}

// ListPayouts returns a landlord's most recent payouts.
func (s *Service) ListPayouts(ctx context.Context, landlordID int64, limit int) ([]domain.PayoutHistory, error) {
	if landlordID <= 0 {
		return nil, domain.NewValidationError("landlord_id", "is required")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListPayoutHistory(ctx, landlordID, limit)
}

// HandlePayoutWebhook applies a gateway payout status callback. SUCCEEDED settles the
// batch's payments; FAILED records the failure code and leaves them in_payout for an
// operator to resolve.
func (s *Service) HandlePayoutWebhook(ctx context.Context, w domain.PayoutWebhook) (WebhookOutcome, error) {
	if err := w.Validate(); err != nil {
		s.metrics.Webhook("payout", "invalid")
		return "", err
	}
	status, terminal := w.HistoryStatus()
	if !terminal {
		s.metrics.Webhook("payout", string(WebhookAcknowledged))
		return WebhookAcknowledged, nil
	}

	outcome := WebhookRecorded
	var history *domain.PayoutHistory
	err := s.repo.InTx(ctx, func(q store.Queries) error {
		var err error
		history, err = q.LockPayoutHistory(ctx, strings.TrimSpace(w.Data.ReferenceID), strings.TrimSpace(w.Data.ID))
		if err != nil {
			return err
		}
		if history.Status != domain.PayoutHistoryAccepted {
			outcome = WebhookIgnored
			return nil
		}

		switch status {
		case domain.PayoutHistorySucceeded:
			if err := q.UpdatePayoutHistoryStatus(ctx, history.ID, status, nil); err != nil {
				return err
			}
			if _, err := q.MarkPaymentsPaidOut(ctx, history.PaymentIDs); err != nil {
				return err
			}
			return enqueue(ctx, q, domain.NewNotification(history.LandlordID,
				"Payout completed",
				fmt.Sprintf("Your payout of %s has been credited.", peso(history.Amount)),
				"/landlord/payouts",
			))
		default:
			reason := strings.TrimSpace(w.Data.FailureCode)
			if reason == "" {
				reason = "UNKNOWN_FAILURE"
			}
			if err := q.UpdatePayoutHistoryStatus(ctx, history.ID, status, &reason); err != nil {
				return err
			}
			return enqueue(ctx, q, domain.NewNotification(history.LandlordID,
				"Payout failed",
				fmt.Sprintf("Your payout of %s could not be completed (%s). Our team will follow up.", peso(history.Amount), reason),
				"/landlord/payouts",
			))
		}
	})
	if err != nil {
		s.metrics.Webhook("payout", "failed")
		return "", err
	}

	s.metrics.Webhook("payout", string(outcome))
	s.logger.Info("payout webhook processed",
		zap.String("component", "payout_webhook"),
		zap.String("outcome", string(outcome)),
		zap.String("external_id", history.ExternalID),
		zap.String("status", string(status)),
	)
	return outcome, nil
}
