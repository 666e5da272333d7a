package validation

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestNew_CompilesAllSchemas(t *testing.T) {
	v := newTestValidator(t)
	for _, name := range []Schema{
		Auth, CreateTask, SubmitProof, ReviewSubmission, WithdrawalRequest, WithdrawalComplete,
		Transfer, Deposit, BalanceAdjustment, AdminTaskReview, AdminWithdrawalReview, AdminUserUpdate, Reversal,
	} {
		if _, ok := v.schemas[name]; !ok {
			t.Errorf("schema %q not compiled", name)
		}
	}
}

func TestValidate_Valid(t *testing.T) {
	v := newTestValidator(t)
	cases := map[Schema]string{
		CreateTask:        `{"title":"Join channel","description":"Join our Telegram channel","instructions":"Open the link and press join","proofType":"screenshot","rewardPerUser":0.05,"maxCompletions":100,"expiresAt":"2026-12-01T00:00:00Z"}`,
		SubmitProof:       `{"proofLink":"https://t.me/c/1/2"}`,
		WithdrawalRequest: `{"amount":10,"method":"ton","walletAddress":"UQabc"}`,
		Transfer:          `{"receiverTelegramId":42,"amount":0.5}`,
		BalanceAdjustment: `{"amount":-1.25,"reason":"chargeback"}`,
		AdminUserUpdate:   `{"status":"frozen"}`,
		Reversal:          `{"reason":"duplicate deposit"}`,
	}
	for name, body := range cases {
		if err := v.Validate(name, []byte(body)); err != nil {
			t.Errorf("%s: expected valid, got %v", name, err)
		}
	}
}

func TestValidate_Invalid(t *testing.T) {
	v := newTestValidator(t)
	cases := []struct {
		name   string
		schema Schema
		body   string
	}{
		{"reward below minimum", CreateTask, `{"title":"abc","description":"0123456789","instructions":"0123456789","proofType":"text","rewardPerUser":0.01,"maxCompletions":1}`},
		{"bad proof type", CreateTask, `{"title":"abc","description":"0123456789","instructions":"0123456789","proofType":"video","rewardPerUser":1,"maxCompletions":1}`},
		{"bad expiry format", CreateTask, `{"title":"abc","description":"0123456789","instructions":"0123456789","proofType":"text","rewardPerUser":1,"maxCompletions":1,"expiresAt":"tomorrow"}`},
		{"empty proof", SubmitProof, `{}`},
		{"withdrawal below minimum", WithdrawalRequest, `{"amount":0.5,"method":"ton","walletAddress":"x"}`},
		{"unknown method", WithdrawalRequest, `{"amount":5,"method":"paypal","walletAddress":"x"}`},
		{"zero transfer", Transfer, `{"receiverTelegramId":42,"amount":0}`},
		{"zero adjustment", BalanceAdjustment, `{"amount":0,"reason":"noop"}`},
		{"unknown field", Deposit, `{"amount":1,"extra":true}`},
		{"empty update", AdminUserUpdate, `{}`},
		{"not json", Auth, `{initData`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(tc.schema, []byte(tc.body))
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestValidate_UnknownSchema(t *testing.T) {
	v := newTestValidator(t)
	err := v.Validate("nope", []byte(`{}`))
	if err == nil || errors.Is(err, ErrValidation) {
		t.Fatalf("expected non-validation error, got %v", err)
	}
}

func TestDecode_PreservesDecimalPrecision(t *testing.T) {
	v := newTestValidator(t)
	req := httptest.NewRequest("POST", "/api/wallet/transfer", strings.NewReader(`{"receiverTelegramId":7,"amount":0.10000001}`))
	var body struct {
		ReceiverTelegramID int64           `json:"receiverTelegramId"`
		Amount             decimal.Decimal `json:"amount"`
	}
	if err := v.Decode(req, Transfer, &body); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if body.ReceiverTelegramID != 7 || body.Amount.String() != "0.10000001" {
		t.Errorf("decoded %+v", body)
	}
}
