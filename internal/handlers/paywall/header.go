package paywall

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	PaymentHeader         = "X-PAYMENT"
	PaymentResponseHeader = "X-PAYMENT-RESPONSE"

	X402Version = 2
	SchemeExact = "exact"
)

var ErrMalformedHeader = errors.New("malformed payment header")

// Payment is what the client sends in X-PAYMENT: the proof it got from the ledger for the challenge nonce
type Payment struct {
	X402Version int    `json:"x402Version"`
	Nonce       string `json:"nonce"`
	Proof       string `json:"proof"`
}

// SettleResponse is sent back in X-PAYMENT-RESPONSE once the payment is verified
type SettleResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}

type ResourceInfo struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// Requirements is one accepted way to pay for the resource
type Requirements struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	Amount            string         `json:"amount"`
	MaxAmountRequired string         `json:"maxAmountRequired"`
	Asset             string         `json:"asset"`
	PayTo             string         `json:"payTo"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// PaymentRequired is the body of a 402 response
type PaymentRequired struct {
	X402Version int            `json:"x402Version"`
	Error       string         `json:"error,omitempty"`
	Resource    *ResourceInfo  `json:"resource,omitempty"`
	Accepts     []Requirements `json:"accepts"`
}

func EncodePayment(p Payment) (string, error) {
	return encode(p)
}

func DecodePayment(header string) (Payment, error) {
	var p Payment
	if err := decode(header, &p); err != nil {
		return p, err
	}

	switch {
	case p.X402Version != 0 && p.X402Version != X402Version:
		return p, fmt.Errorf("%w: unsupported version %d", ErrMalformedHeader, p.X402Version)
	case p.Nonce == "" || p.Proof == "":
		return p, fmt.Errorf("%w: nonce and proof are required", ErrMalformedHeader)
	}
	return p, nil
}

func EncodeSettlement(s SettleResponse) (string, error) {
	return encode(s)
}

func DecodeSettlement(header string) (SettleResponse, error) {
	var s SettleResponse
	err := decode(header, &s)
	return s, err
}

func encode(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decode(header string, v any) error {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedHeader, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedHeader, err)
	}
	return nil
}
