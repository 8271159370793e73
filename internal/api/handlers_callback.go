/**
 * @description
 * HTTP handlers for the asynchronous confirmations Safaricom posts back to
 * this service. Their response contract is fixed by the provider:
 *
 * - Every understood delivery is acknowledged with HTTP 200 and the body
 *   {"ResultCode": 0, "ResultDesc": "Accepted"}, including duplicates,
 *   unknown correlations, and malformed payloads. Any other body makes the
 *   provider treat the delivery as failed and retry a confirmation we have
 *   already absorbed.
 * - The one deliberate exception is storage exhaustion: answering non-2xx
 *   there makes the provider redeliver the callback later, which is the
 *   only retry mechanism available once our bounded writes have given up.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/sheneeds/donation-service/internal/app"
	"github.com/sheneeds/donation-service/internal/domain"
)

type callbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

func (h *DonationHandlers) writeCallbackAck(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(callbackAck{ResultCode: 0, ResultDesc: "Accepted"})
}

// writeCallbackRetry keeps the provider ack body shape but answers non-2xx
// with a nonzero code, which makes Safaricom redeliver the callback later.
func (h *DonationHandlers) writeCallbackRetry(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(callbackAck{ResultCode: 1, ResultDesc: "Service temporarily unavailable"})
}

// STKCallbackHandler receives the payment result for an STK push.
func (h *DonationHandlers) STKCallbackHandler(w http.ResponseWriter, r *http.Request) {
	var envelope domain.STKCallbackEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		log.Printf("level=warn component=api endpoint=stk_callback outcome=malformed err=%v", err)
		h.writeCallbackAck(w)
		return
	}

	result, err := domain.ParseSTKCallback(envelope)
	if err != nil {
		// A payload we cannot parse will never parse on redelivery either.
		// Log it for investigation and acknowledge so the provider stops.
		log.Printf("level=warn component=api endpoint=stk_callback outcome=malformed err=%v", err)
		h.writeCallbackAck(w)
		return
	}

	_, err = h.service.ProcessCallback(r.Context(), result)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrUnknownCorrelation):
			// Logged inside the service. Nothing to mutate, nothing to retry.
		case errors.Is(err, app.ErrStorageUnavailable):
			log.Printf("level=error component=api endpoint=stk_callback outcome=storage_unavailable checkout_id=%s err=%v", result.CheckoutRequestID, err)
			h.writeCallbackRetry(w)
			return
		default:
			log.Printf("level=error component=api endpoint=stk_callback outcome=failed checkout_id=%s err=%v", result.CheckoutRequestID, err)
			h.writeCallbackRetry(w)
			return
		}
	}

	h.writeCallbackAck(w)
}

// STKTimeoutHandler receives the provider's notification that it gave up
// waiting for the customer's response.
func (h *DonationHandlers) STKTimeoutHandler(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Body struct {
			StkCallback struct {
				CheckoutRequestID string `json:"CheckoutRequestID"`
				ResultDesc        string `json:"ResultDesc"`
			} `json:"stkCallback"`
		} `json:"Body"`
		CheckoutRequestID string `json:"CheckoutRequestID"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		log.Printf("level=warn component=api endpoint=stk_timeout outcome=malformed err=%v", err)
		h.writeCallbackAck(w)
		return
	}

	// The timeout notification arrives either wrapped in the callback
	// envelope or as a flat object depending on the provider environment.
	checkoutID := payload.Body.StkCallback.CheckoutRequestID
	resultDesc := payload.Body.StkCallback.ResultDesc
	if checkoutID == "" {
		checkoutID = payload.CheckoutRequestID
	}
	if checkoutID == "" {
		log.Printf("level=warn component=api endpoint=stk_timeout outcome=malformed msg=\"no checkout request id in payload\"")
		h.writeCallbackAck(w)
		return
	}
	if resultDesc == "" {
		resultDesc = "The transaction timed out before completion"
	}

	_, err := h.service.ProcessTimeout(r.Context(), checkoutID, resultDesc)
	if err != nil && !errors.Is(err, app.ErrUnknownCorrelation) {
		log.Printf("level=error component=api endpoint=stk_timeout outcome=failed checkout_id=%s err=%v", checkoutID, err)
		h.writeCallbackRetry(w)
		return
	}

	h.writeCallbackAck(w)
}
