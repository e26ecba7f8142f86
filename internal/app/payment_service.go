package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/rentflow/billing-service/internal/domain"
	"github.com/rentflow/billing-service/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	// MaxProofSize bounds proof-of-payment uploads.
	MaxProofSize = 10 << 20

	scopePaymentSubmit = "payment_submit"
)

var proofExtensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"application/pdf": ".pdf",
}

// WebhookOutcome tells the webhook sender what happened to a delivery.
type WebhookOutcome string

const (
	WebhookRecorded     WebhookOutcome = "recorded"
	WebhookIgnored      WebhookOutcome = "ignored"
	WebhookAcknowledged WebhookOutcome = "acknowledged"
)

// UploadProof stores a proof-of-payment attachment and returns its URL.
func (s *Service) UploadProof(ctx context.Context, contentType string, size int64, body io.Reader) (string, error) {
	if s.proofs == nil {
		return "", errors.New("proof storage is not configured")
	}
	contentType = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	ext, ok := proofExtensions[contentType]
	if !ok {
		return "", domain.NewValidationError("file", "must be a JPEG, PNG or PDF")
	}
	if size <= 0 || size > MaxProofSize {
		return "", domain.NewValidationError("file", "must be between 1 byte and 10 MB")
	}

	now := s.now().UTC()
	key := fmt.Sprintf("payment-proofs/%04d/%02d/%s%s", now.Year(), int(now.Month()), uuid.NewString(), ext)
	url, err := s.proofs.Put(ctx, key, io.LimitReader(body, size), size, contentType)
	if err != nil {
		return "", fmt.Errorf("failed to store proof: %w", err)
	}
	return url, nil
}

// SubmitPayment records a tenant's proof-of-payment submission as a pending payment and
// notifies the landlord. The reference number is the receipt reference; a TP- reference
// is generated when none is given.
func (s *Service) SubmitPayment(ctx context.Context, subject string, req domain.SubmitPaymentRequest) (*domain.Payment, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := s.consumeRateLimit(ctx, scopePaymentSubmit, subject, s.settings.PaymentSubmitLimitPerMinute); err != nil {
		return nil, err
	}

	receipt := strings.TrimSpace(req.ReferenceNumber)
	if receipt == "" {
		receipt = "TP-" + uuid.NewString()
	}
	amount := domain.RoundMoney(req.Amount.Value)
	payment := &domain.Payment{
		AgreementID:      req.AgreementID,
		BillingID:        req.BillingID,
		PaymentType:      req.PaymentType,
		Source:           domain.SourceTenant,
		AmountPaid:       amount,
		GrossAmount:      amount,
		GatewayFee:       decimal.Zero,
		NetAmount:        amount,
		PaymentMethod:    strings.TrimSpace(req.PaymentMethod),
		PaymentStatus:    domain.PaymentPending,
		PayoutStatus:     domain.PayoutUnpaid,
		ReceiptReference: receipt,
		PaidAt:           s.now().UTC(),
	}
	if proof := strings.TrimSpace(req.ProofURL); proof != "" {
		payment.ProofURL = &proof
	}
	if !req.PaymentType.IsRecurring() {
		payment.BillingID = nil
	}

	err := s.repo.InTx(ctx, func(q store.Queries) error {
		lease, err := q.FindLease(ctx, req.AgreementID)
		if err != nil {
			return err
		}
		if payment.BillingID != nil {
			rec, err := q.LockBillingByID(ctx, *payment.BillingID)
			if err != nil {
				return err
			}
			if rec.UnitID != lease.UnitID {
				return domain.NewValidationError("billing_id", "does not belong to this agreement")
			}
			if rec.Status == domain.BillingPaid {
				return store.ErrBillingSettled
			}
			// A bill under review must keep reading as unpaid until the landlord confirms.
			if err := q.UpdateBillingStatus(ctx, rec.ID, domain.BillingUnpaid); err != nil {
				return err
			}
		}
		if err := q.InsertPayment(ctx, payment); err != nil {
			return err
		}
		return enqueue(ctx, q, domain.NewNotification(lease.LandlordID,
			"Payment submitted",
			fmt.Sprintf("A tenant submitted a %s payment of %s for review.", payment.PaymentType, peso(amount)),
			fmt.Sprintf("/landlord/payments/%d", payment.ID),
		))
	})
	if err != nil {
		duplicate := errors.Is(err, store.ErrDuplicatePayment)
		if duplicate {
			s.metrics.PaymentRecorded(string(domain.SourceTenant), "duplicate")
		} else {
			s.metrics.PaymentRecorded(string(domain.SourceTenant), "failed")
			s.discardProof(ctx, payment.ProofURL)
		}
		return nil, err
	}

	s.metrics.PaymentRecorded(string(domain.SourceTenant), "recorded")
	s.logger.Info("payment submitted",
		zap.String("component", "payment"),
		zap.String("outcome", "pending"),
		zap.Int64("payment_id", payment.ID),
		zap.Int64("agreement_id", payment.AgreementID),
		zap.String("receipt_reference", payment.ReceiptReference),
	)
	return payment, nil
}

func (s *Service) discardProof(ctx context.Context, proofURL *string) {
	if s.proofs == nil || proofURL == nil {
		return
	}
	if err := s.proofs.Delete(ctx, *proofURL); err != nil {
		s.logger.Warn("failed to delete orphaned proof",
			zap.String("component", "payment"),
			zap.String("proof_url", *proofURL),
			zap.Error(err),
		)
	}
}

// ConfirmPayment approves a pending payment. A billing payment settles its bill.
func (s *Service) ConfirmPayment(ctx context.Context, paymentID int64) (*domain.Payment, error) {
	var confirmed *domain.Payment
	err := s.repo.InTx(ctx, func(q store.Queries) error {
		payment, err := q.LockPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if err := domain.ValidateTransition(domain.PaymentTransitions, payment.PaymentStatus, domain.PaymentConfirmed); err != nil {
			return err
		}
		if err := q.UpdatePaymentStatus(ctx, paymentID, domain.PaymentConfirmed, nil); err != nil {
			return err
		}
		if payment.PaymentType.IsRecurring() && payment.BillingID != nil {
			if err := q.UpdateBillingStatus(ctx, *payment.BillingID, domain.BillingPaid); err != nil {
				return err
			}
		}
		lease, err := q.FindLease(ctx, payment.AgreementID)
		if err != nil {
			return err
		}
		if err := enqueue(ctx, q, domain.NewNotification(lease.TenantID,
			"Payment confirmed",
			fmt.Sprintf("Your payment of %s has been confirmed.", peso(payment.AmountPaid)),
			fmt.Sprintf("/tenant/payments/%d", payment.ID),
		)); err != nil {
			return err
		}
		confirmed, err = q.FindPayment(ctx, paymentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("payment confirmed",
		zap.String("component", "payment"),
		zap.String("outcome", "confirmed"),
		zap.Int64("payment_id", paymentID),
	)
	return confirmed, nil
}

// RejectPayment fails a pending payment with a reason. The bill stays unpaid.
func (s *Service) RejectPayment(ctx context.Context, paymentID int64, req domain.RejectPaymentRequest) (*domain.Payment, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, domain.NewValidationError("reason", "is required")
	}

	var rejected *domain.Payment
	err := s.repo.InTx(ctx, func(q store.Queries) error {
		payment, err := q.LockPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if err := domain.ValidateTransition(domain.PaymentTransitions, payment.PaymentStatus, domain.PaymentFailed); err != nil {
			return err
		}
		if err := q.UpdatePaymentStatus(ctx, paymentID, domain.PaymentFailed, &reason); err != nil {
			return err
		}
		lease, err := q.FindLease(ctx, payment.AgreementID)
		if err != nil {
			return err
		}
		if err := enqueue(ctx, q, domain.NewNotification(lease.TenantID,
			"Payment rejected",
			fmt.Sprintf("Your payment of %s was rejected: %s", peso(payment.AmountPaid), reason),
			fmt.Sprintf("/tenant/payments/%d", payment.ID),
		)); err != nil {
			return err
		}
		rejected, err = q.FindPayment(ctx, paymentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("payment rejected",
		zap.String("component", "payment"),
		zap.String("outcome", "failed"),
		zap.Int64("payment_id", paymentID),
	)
	return rejected, nil
}

// HandlePaymentWebhook records a gateway-confirmed payment. Only PAID invoices are written;
// a redelivered invoice is ignored by its receipt reference.
func (s *Service) HandlePaymentWebhook(ctx context.Context, w domain.PaymentWebhook) (WebhookOutcome, *domain.Payment, error) {
	if err := w.Validate(); err != nil {
		s.metrics.Webhook("payment", "invalid")
		return "", nil, err
	}
	if w.Status != domain.WebhookStatusPaid {
		s.metrics.Webhook("payment", string(WebhookAcknowledged))
		s.logger.Info("payment webhook acknowledged",
			zap.String("component", "payment_webhook"),
			zap.String("external_id", w.ExternalID),
			zap.String("status", w.Status),
		)
		return WebhookAcknowledged, nil, nil
	}

	ref, err := domain.ParseExternalID(w.ExternalID)
	if err != nil {
		s.metrics.Webhook("payment", "invalid")
		return "", nil, err
	}

	gross := domain.RoundMoney(w.GrossAmount())
	fee := w.TotalFees()
	if fee.GreaterThan(gross) {
		s.metrics.Webhook("payment", "invalid")
		return "", nil, domain.ErrBadRequest.New("fees exceed the paid amount")
	}
	paidAt := s.now().UTC()
	if w.PaidAt != nil {
		paidAt = w.PaidAt.UTC()
	}
	method := strings.TrimSpace(w.PaymentMethod)
	if method == "" {
		method = "gateway"
	}
	payment := &domain.Payment{
		AgreementID:      ref.AgreementID,
		BillingID:        ref.BillingID,
		PaymentType:      ref.PaymentType,
		Source:           domain.SourceGateway,
		AmountPaid:       gross,
		GrossAmount:      gross,
		GatewayFee:       fee,
		NetAmount:        domain.NetAmount(gross, fee),
		PaymentMethod:    method,
		PaymentStatus:    domain.PaymentConfirmed,
		PayoutStatus:     domain.PayoutUnpaid,
		ReceiptReference: strings.TrimSpace(w.ID),
		PaidAt:           paidAt,
		ConfirmedAt:      &paidAt,
	}

	err = s.repo.InTx(ctx, func(q store.Queries) error {
		lease, err := q.FindLease(ctx, ref.AgreementID)
		if err != nil {
			return err
		}
		if ref.BillingID != nil {
			rec, err := q.LockBillingByID(ctx, *ref.BillingID)
			if err != nil {
				return err
			}
			if rec.UnitID != lease.UnitID {
				return domain.ErrBadRequest.New("billing %d does not belong to agreement %d", rec.ID, lease.ID)
			}
		}
		if err := q.InsertPayment(ctx, payment); err != nil {
			return err
		}
		if payment.PaymentType.IsRecurring() && payment.BillingID != nil {
			if err := q.UpdateBillingStatus(ctx, *payment.BillingID, domain.BillingPaid); err != nil {
				return err
			}
		}
		return enqueue(ctx, q,
			domain.NewNotification(lease.LandlordID,
				"Payment received",
				fmt.Sprintf("A %s payment of %s was received online.", payment.PaymentType, peso(gross)),
				fmt.Sprintf("/landlord/payments/%d", payment.ID),
			),
			domain.NewNotification(lease.TenantID,
				"Payment confirmed",
				fmt.Sprintf("Your online payment of %s has been received.", peso(gross)),
				fmt.Sprintf("/tenant/payments/%d", payment.ID),
			),
		)
	})
	if errors.Is(err, store.ErrDuplicatePayment) {
		s.metrics.Webhook("payment", string(WebhookIgnored))
		s.metrics.PaymentRecorded(string(domain.SourceGateway), "duplicate")
		s.logger.Info("payment webhook ignored",
			zap.String("component", "payment_webhook"),
			zap.String("outcome", "duplicate"),
			zap.String("receipt_reference", payment.ReceiptReference),
		)
		return WebhookIgnored, nil, nil
	}
	if err != nil {
		s.metrics.Webhook("payment", "failed")
		s.metrics.PaymentRecorded(string(domain.SourceGateway), "failed")
		return "", nil, err
	}

	s.metrics.Webhook("payment", string(WebhookRecorded))
	s.metrics.PaymentRecorded(string(domain.SourceGateway), "recorded")
	s.logger.Info("payment webhook recorded",
		zap.String("component", "payment_webhook"),
		zap.String("outcome", "recorded"),
		zap.Int64("payment_id", payment.ID),
		zap.String("receipt_reference", payment.ReceiptReference),
		zap.String("net_amount", payment.NetAmount.StringFixed(2)),
	)
	return WebhookRecorded, payment, nil
}
