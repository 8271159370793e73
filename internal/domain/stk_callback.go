/**
 * @description
 * This file defines the Daraja STK callback envelope and its normalization
 * into the internal event vocabulary. Safaricom posts the same envelope to
 * the callback and timeout endpoints:
 *
 *     {"Body": {"stkCallback": {"MerchantRequestID": "...",
 *       "CheckoutRequestID": "...", "ResultCode": 0, "ResultDesc": "...",
 *       "CallbackMetadata": {"Item": [{"Name": "...", "Value": ...}]}}}}
 *
 * Result codes are mapped through a closed table: 0 is success, a fixed set
 * of known codes are failures/cancellations, and anything unrecognized is
 * treated conservatively as a failure with the raw code preserved.
 */

package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedCallback is returned when the callback body does not carry the
// fields the envelope contract requires.
var ErrMalformedCallback = errors.New("malformed stk callback payload")

// STKCallbackEnvelope is the raw JSON body Safaricom delivers.
type STKCallbackEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string          `json:"MerchantRequestID"`
			CheckoutRequestID string          `json:"CheckoutRequestID"`
			ResultCode        *int            `json:"ResultCode"`
			ResultDesc        string          `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string          `json:"Name"`
					Value json.RawMessage `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// CallbackResult is the normalized form of a provider confirmation, shared
// by the callback endpoint and the active status query.
type CallbackResult struct {
	CheckoutRequestID string
	MerchantRequestID string
	ResultCode        string
	ResultDesc        string
	Success           bool
	// Success-only metadata.
	AmountCents     int64
	ReceiptNumber   string
	PhoneNumber     string
	TransactionTime string
}

// knownFailureCodes is the closed set of Daraja result codes this system
// recognizes as definitive failures or cancellations.
var knownFailureCodes = map[string]string{
	"1":    "The balance is insufficient for the transaction",
	"17":   "Unable to process the request (rule violation)",
	"26":   "System busy, the request could not be processed",
	"1001": "A similar transaction is already in progress",
	"1019": "The transaction has expired",
	"1025": "A system error occurred while sending the push request",
	"1032": "The request was cancelled by the user",
	"1037": "Timeout waiting for the user to respond",
	"2001": "The initiator information is invalid",
}

// FailureDescription returns the human-readable reason stored for a failure
// result code, preferring the provider's own description when present.
func FailureDescription(code, providerDesc string) string {
	if desc := strings.TrimSpace(providerDesc); desc != "" {
		return desc
	}
	if desc, ok := knownFailureCodes[code]; ok {
		return desc
	}
	return fmt.Sprintf("Payment not completed (code %s)", code)
}

// ParseSTKCallback validates an envelope and normalizes it. Success payloads
// must carry an amount; its absence is a structural error, not a failure
// result. Amounts in the envelope are whole KES and are converted to cents.
func ParseSTKCallback(env STKCallbackEnvelope) (CallbackResult, error) {
	cb := env.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		return CallbackResult{}, fmt.Errorf("%w: missing CheckoutRequestID", ErrMalformedCallback)
	}
	if cb.ResultCode == nil {
		return CallbackResult{}, fmt.Errorf("%w: missing ResultCode", ErrMalformedCallback)
	}

	result := CallbackResult{
		CheckoutRequestID: cb.CheckoutRequestID,
		MerchantRequestID: cb.MerchantRequestID,
		ResultCode:        fmt.Sprintf("%d", *cb.ResultCode),
		ResultDesc:        cb.ResultDesc,
		Success:           *cb.ResultCode == 0,
	}

	if !result.Success {
		return result, nil
	}

	var haveAmount bool
	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			var kes float64
			if err := json.Unmarshal(item.Value, &kes); err != nil {
				return CallbackResult{}, fmt.Errorf("%w: unreadable Amount", ErrMalformedCallback)
			}
			result.AmountCents = int64(kes * 100)
			haveAmount = true
		case "MpesaReceiptNumber":
			var receipt string
			if err := json.Unmarshal(item.Value, &receipt); err == nil {
				result.ReceiptNumber = receipt
			}
		case "PhoneNumber":
			// Safaricom sends the phone as a JSON number.
			result.PhoneNumber = strings.Trim(string(item.Value), `"`)
		case "TransactionDate":
			result.TransactionTime = strings.Trim(string(item.Value), `"`)
		}
	}
	if !haveAmount {
		return CallbackResult{}, fmt.Errorf("%w: success payload missing Amount", ErrMalformedCallback)
	}
	if result.ReceiptNumber == "" {
		return CallbackResult{}, fmt.Errorf("%w: success payload missing MpesaReceiptNumber", ErrMalformedCallback)
	}

	return result, nil
}

// Event converts a normalized result into the lifecycle event it implies.
func (r CallbackResult) Event() Event {
	if r.Success {
		return PaymentSucceeded{
			ReceiptNumber: r.ReceiptNumber,
			AmountPaid:    r.AmountCents,
			PhoneNumber:   r.PhoneNumber,
			ResultCode:    r.ResultCode,
			ResultDesc:    r.ResultDesc,
		}
	}
	return PaymentFailed{ResultCode: r.ResultCode, ResultDesc: r.ResultDesc}
}
