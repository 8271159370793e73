package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

func decodeEnvelope(t *testing.T, raw string) STKCallbackEnvelope {
	t.Helper()
	var env STKCallbackEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("could not decode envelope: %v", err)
	}
	return env
}

func TestParseSTKCallback_Success(t *testing.T) {
	env := decodeEnvelope(t, `{
		"Body": {"stkCallback": {
			"MerchantRequestID": "29115-34620561-1",
			"CheckoutRequestID": "ws_CO_191220191020363925",
			"ResultCode": 0,
			"ResultDesc": "The service request is processed successfully.",
			"CallbackMetadata": {"Item": [
				{"Name": "Amount", "Value": 500.00},
				{"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
				{"Name": "TransactionDate", "Value": 20191219102115},
				{"Name": "PhoneNumber", "Value": 254712345678}
			]}
		}}
	}`)

	result, err := ParseSTKCallback(env)
	if err != nil {
		t.Fatalf("expected success parse, got %v", err)
	}
	if !result.Success {
		t.Fatal("expected Success for result code 0")
	}
	if result.AmountCents != 50000 {
		t.Fatalf("expected 50000 cents, got %d", result.AmountCents)
	}
	if result.ReceiptNumber != "NLJ7RT61SV" {
		t.Fatalf("unexpected receipt: %q", result.ReceiptNumber)
	}
	if result.PhoneNumber != "254712345678" {
		t.Fatalf("unexpected phone: %q", result.PhoneNumber)
	}

	ev, ok := result.Event().(PaymentSucceeded)
	if !ok {
		t.Fatalf("expected PaymentSucceeded event, got %T", result.Event())
	}
	if ev.AmountPaid != 50000 {
		t.Fatalf("event amount should be in cents, got %d", ev.AmountPaid)
	}
}

func TestParseSTKCallback_UserCancelled(t *testing.T) {
	env := decodeEnvelope(t, `{
		"Body": {"stkCallback": {
			"MerchantRequestID": "29115-34620561-1",
			"CheckoutRequestID": "ws_CO_191220191020363925",
			"ResultCode": 1032,
			"ResultDesc": "Request cancelled by user"
		}}
	}`)

	result, err := ParseSTKCallback(env)
	if err != nil {
		t.Fatalf("expected failure parse, got %v", err)
	}
	if result.Success {
		t.Fatal("result code 1032 must not be a success")
	}
	if result.ResultCode != "1032" {
		t.Fatalf("unexpected result code: %q", result.ResultCode)
	}
	if _, ok := result.Event().(PaymentFailed); !ok {
		t.Fatalf("expected PaymentFailed event, got %T", result.Event())
	}
}

func TestParseSTKCallback_MissingCheckoutID(t *testing.T) {
	env := decodeEnvelope(t, `{"Body": {"stkCallback": {"ResultCode": 0, "ResultDesc": "ok"}}}`)

	if _, err := ParseSTKCallback(env); !errors.Is(err, ErrMalformedCallback) {
		t.Fatalf("expected ErrMalformedCallback, got %v", err)
	}
}

func TestParseSTKCallback_MissingResultCode(t *testing.T) {
	env := decodeEnvelope(t, `{"Body": {"stkCallback": {"CheckoutRequestID": "ws_CO_1"}}}`)

	if _, err := ParseSTKCallback(env); !errors.Is(err, ErrMalformedCallback) {
		t.Fatalf("expected ErrMalformedCallback, got %v", err)
	}
}

func TestParseSTKCallback_SuccessWithoutAmountIsMalformed(t *testing.T) {
	env := decodeEnvelope(t, `{
		"Body": {"stkCallback": {
			"CheckoutRequestID": "ws_CO_1",
			"ResultCode": 0,
			"ResultDesc": "ok",
			"CallbackMetadata": {"Item": [
				{"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"}
			]}
		}}
	}`)

	if _, err := ParseSTKCallback(env); !errors.Is(err, ErrMalformedCallback) {
		t.Fatalf("expected ErrMalformedCallback, got %v", err)
	}
}

func TestFailureDescription_PrefersProviderDesc(t *testing.T) {
	if got := FailureDescription("1032", "Request cancelled by user"); got != "Request cancelled by user" {
		t.Fatalf("unexpected description: %q", got)
	}
	if got := FailureDescription("1032", ""); got != "The request was cancelled by the user" {
		t.Fatalf("unexpected table description: %q", got)
	}
	if got := FailureDescription("9999", ""); got != "Payment not completed (code 9999)" {
		t.Fatalf("unexpected fallback description: %q", got)
	}
}
