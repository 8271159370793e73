/**
 * @description
 * This file implements the donation lifecycle as explicit, pure transition
 * functions: current record + event in, updated record (or no-op) out. All
 * state mutation rules live here so every transition is testable without a
 * persistence layer; the app layer is responsible for loading, persisting,
 * and notifying.
 *
 * Lifecycle: CREATED -> PENDING -> {PAID | FAILED | TIMEOUT}. Terminal
 * states are a sink: any event arriving for a terminal donation is accepted
 * and reported as a no-op, never an error, so duplicate provider callbacks
 * can be acknowledged without re-firing side effects.
 */

package domain

import (
	"fmt"
	"time"
)

// ReasonAmountMismatch is stored as the failure reason when a success
// callback reports a paid amount different from the donation's amount.
const ReasonAmountMismatch = "AMOUNT_MISMATCH"

// Event is a lifecycle event submitted to the donation state machine.
type Event interface {
	// Kind returns a short identifier used in logs.
	Kind() string
}

// ProviderAccepted records the provider acknowledging the push request.
type ProviderAccepted struct {
	CheckoutRequestID string
	MerchantRequestID string
}

// InitiationFailed records a push request the provider rejected or that
// could not be delivered, before any correlation id was issued.
type InitiationFailed struct {
	Reason string
}

// PaymentSucceeded is a success confirmation, from either the callback
// endpoint or an active reconciliation query. AmountPaid is in cents.
type PaymentSucceeded struct {
	ReceiptNumber string
	AmountPaid    int64
	PhoneNumber   string
	ResultCode    string
	ResultDesc    string
}

// PaymentFailed is a failure/cancellation confirmation from the provider.
type PaymentFailed struct {
	ResultCode string
	ResultDesc string
}

// ProviderTimedOut is the provider's own timeout notification, distinct
// from local staleness.
type ProviderTimedOut struct {
	ResultDesc string
}

func (ProviderAccepted) Kind() string { return "provider_accepted" }
func (InitiationFailed) Kind() string { return "initiation_failed" }
func (PaymentSucceeded) Kind() string { return "payment_succeeded" }
func (PaymentFailed) Kind() string    { return "payment_failed" }
func (ProviderTimedOut) Kind() string { return "provider_timed_out" }

// Outcome is the result of applying an event to a donation record.
type Outcome struct {
	// Donation is the updated record. Only meaningful when Applied is true.
	Donation Donation
	// Applied is false when the event reduced to a no-op (terminal sink or
	// an event that is invalid for the record's current state).
	Applied bool
	// NoOpReason explains a skipped transition, for diagnostics.
	NoOpReason string
}

// Transition applies a lifecycle event to a donation, returning the updated
// record or a no-op outcome. It never mutates its input. The version counter
// increments on every applied transition.
func Transition(d Donation, ev Event, now time.Time) Outcome {
	if d.Status.IsTerminal() {
		return noOp(d, fmt.Sprintf("donation already %s", d.Status))
	}

	switch e := ev.(type) {
	case ProviderAccepted:
		if d.Status != StatusCreated {
			return noOp(d, fmt.Sprintf("provider_accepted not valid from %s", d.Status))
		}
		checkout := e.CheckoutRequestID
		merchant := e.MerchantRequestID
		d.Status = StatusPending
		d.CheckoutRequestID = &checkout
		d.MerchantRequestID = &merchant
		return applied(d, now)

	case InitiationFailed:
		if d.Status != StatusCreated {
			return noOp(d, fmt.Sprintf("initiation_failed not valid from %s", d.Status))
		}
		reason := e.Reason
		d.Status = StatusFailed
		d.FailureReason = &reason
		return applied(d, now)

	case PaymentSucceeded:
		if d.Status != StatusPending {
			return noOp(d, fmt.Sprintf("payment_succeeded not valid from %s", d.Status))
		}
		if e.AmountPaid != d.Amount {
			// Amount-mismatch guard: never mark PAID for a different amount.
			reason := fmt.Sprintf("%s: expected %d, provider reported %d", ReasonAmountMismatch, d.Amount, e.AmountPaid)
			code := ReasonAmountMismatch
			d.Status = StatusFailed
			d.ResultCode = &code
			d.FailureReason = &reason
			return applied(d, now)
		}
		code := e.ResultCode
		desc := e.ResultDesc
		d.Status = StatusPaid
		if e.ReceiptNumber != "" {
			receipt := e.ReceiptNumber
			d.MpesaReceiptNumber = &receipt
		}
		d.ResultCode = &code
		d.ResultDesc = &desc
		return applied(d, now)

	case PaymentFailed:
		if d.Status != StatusPending {
			return noOp(d, fmt.Sprintf("payment_failed not valid from %s", d.Status))
		}
		code := e.ResultCode
		desc := e.ResultDesc
		reason := FailureDescription(e.ResultCode, e.ResultDesc)
		d.Status = StatusFailed
		d.ResultCode = &code
		d.ResultDesc = &desc
		d.FailureReason = &reason
		return applied(d, now)

	case ProviderTimedOut:
		if d.Status != StatusPending {
			return noOp(d, fmt.Sprintf("provider_timed_out not valid from %s", d.Status))
		}
		desc := e.ResultDesc
		if desc == "" {
			desc = "Provider reported a delivery timeout"
		}
		d.Status = StatusTimeout
		d.ResultDesc = &desc
		d.FailureReason = &desc
		return applied(d, now)
	}

	return noOp(d, fmt.Sprintf("unknown event %T", ev))
}

func applied(d Donation, now time.Time) Outcome {
	d.Version++
	d.UpdatedAt = now
	return Outcome{Donation: d, Applied: true}
}

func noOp(d Donation, reason string) Outcome {
	return Outcome{Donation: d, Applied: false, NoOpReason: reason}
}
