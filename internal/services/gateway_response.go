package services

import (
	"net/url"
	"strings"
)

// GatewayResult is the decoded outcome of one gateway call.
type GatewayResult struct {
	Success              bool   `json:"success"`
	Message              string `json:"message"`
	GatewayTransactionID string `json:"gatewayTransactionId"`
	// Code is the gateway's numeric response_code, kept for the audit trail.
	Code string `json:"code,omitempty"`
}

const (
	msgInvalidGatewayResponse = "Invalid or empty response from payment gateway"
	msgUnknownGatewayError    = "Unknown error"
)

// DecodeGatewayResponse parses the gateway's flat key=value&key=value body.
// Malformed pairs are skipped; it never fails.
func DecodeGatewayResponse(raw string) GatewayResult {
	if raw == "" {
		return GatewayResult{Message: msgInvalidGatewayResponse}
	}

	fields := make(map[string]string)
	for _, pair := range strings.Split(raw, "&") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" || value == "" {
			continue
		}
		// Values are form-encoded: '+' decodes to a space.
		decoded, err := url.QueryUnescape(value)
		if err != nil {
			decoded = value
		}
		fields[key] = decoded
	}

	result := GatewayResult{
		Success:              fields["response"] == "1",
		Message:              msgUnknownGatewayError,
		GatewayTransactionID: fields["transactionid"],
		Code:                 fields["response_code"],
	}
	if msg, ok := fields["responsetext"]; ok {
		result.Message = msg
	}
	return result
}
