// Package sms sends text messages through interchangeable providers.
package sms

import (
	"context"
	"errors"
)

var ErrMissingCredentials = errors.New("sms provider credentials missing")

// SendResult reports the outcome of one send. Providers never return
// delivery failures as errors; Success is false and Error explains why.
type SendResult struct {
	Success           bool   `json:"success"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	ProviderName      string `json:"provider_name"`
	Error             string `json:"error,omitempty"`
}

type Provider interface {
	Name() string
	Send(ctx context.Context, phoneNumber, message string) SendResult
}

func failed(provider, reason string) SendResult {
	return SendResult{Success: false, ProviderName: provider, Error: reason}
}
