package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/memefolio/internal/errors"
	"github.com/memefolio/internal/logging"
)

// PaymentSignatureHeader carries the webhook signature: t=<unix>,v1=<hex hmac>
const PaymentSignatureHeader = "Stripe-Signature"

const (
	eventCheckoutCompleted = "checkout.session.completed"
	maxWebhookBody         = 1 << 20
)

var (
	errMissingSignature = errors.New("missing signature header")
	errBadSignature     = errors.New("signature does not match payload")
	errStaleSignature   = errors.New("signature timestamp outside tolerance")
)

// paymentEvent is the subset of a checkout event the purchase flow reads
type paymentEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID                string            `json:"id"`
			ClientReferenceID string            `json:"client_reference_id"`
			PaymentStatus     string            `json:"payment_status"`
			Metadata          map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

func (e *paymentEvent) clerkID() string {
	if e.Data.Object.ClientReferenceID != "" {
		return e.Data.Object.ClientReferenceID
	}
	return e.Data.Object.Metadata["clerkId"]
}

// handlePaymentWebhook handles POST /api/webhook/payment
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if s.config.WebhookSecret == "" || s.purchases == nil {
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Payment webhook is not configured", nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Failed to read request body", nil)
		return
	}

	if err := verifyPaymentSignature(body, r.Header.Get(PaymentSignatureHeader), s.config.WebhookSecret, s.config.WebhookWindow, s.now()); err != nil {
		logging.FromContext(r.Context()).WithError(err).Warn("rejected payment webhook")
		respondServiceError(w, r, apperrors.NewUnauthorizedError("invalid webhook signature"))
		return
	}

	var event paymentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid event payload", nil)
		return
	}

	logger := logging.FromContext(r.Context()).WithFields(map[string]interface{}{
		"event_id":   event.ID,
		"event_type": event.Type,
	})

	if event.Type != eventCheckoutCompleted {
		logger.Info("ignoring unhandled payment event")
		respondJSON(w, http.StatusOK, map[string]interface{}{"received": true})
		return
	}

	if status := event.Data.Object.PaymentStatus; status != "" && status != "paid" {
		logger.WithField("payment_status", status).Info("checkout completed without payment")
		respondJSON(w, http.StatusOK, map[string]interface{}{"received": true})
		return
	}

	clerkID := event.clerkID()
	if clerkID == "" {
		respondServiceError(w, r, apperrors.NewInvalidParameterError("client_reference_id", "is required"))
		return
	}

	// the purchase runs to completion even if the caller disconnects
	ctx := logging.WithLogger(context.WithoutCancel(r.Context()), logger.WithField("clerkId", clerkID))
	result, err := s.purchases.CompletePurchase(ctx, clerkID)
	if err != nil {
		// A redelivered event for a finished purchase is acknowledged
		if apperrors.HasCode(err, apperrors.CodeConflict) {
			logger.WithError(err).Info("purchase already handled")
			respondJSON(w, http.StatusOK, map[string]interface{}{"received": true, "duplicate": true})
			return
		}
		respondServiceError(w, r.WithContext(ctx), err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"received": true,
		"purchase": result,
	})
}

// verifyPaymentSignature checks a t=<unix>,v1=<hex> header against
// hmac-sha256(secret, t + "." + body) and the timestamp window.
func verifyPaymentSignature(body []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if header == "" {
		return errMissingSignature
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return fmt.Errorf("malformed signature header: %w", errMissingSignature)
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed signature timestamp: %w", errBadSignature)
	}
	age := now.Sub(time.Unix(unix, 0))
	if age < 0 {
		age = -age
	}
	if tolerance > 0 && age > tolerance {
		return errStaleSignature
	}

	expected := signPayload(body, timestamp, secret)
	for _, sig := range signatures {
		decoded, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return nil
		}
	}
	return errBadSignature
}

func signPayload(body []byte, timestamp, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}
