// Package ilp defines the packet shapes exchanged with the connector: a
// payment-bearing request carrying compact-encoded event data, and the
// accept/reject response with its stable error codes.
package ilp

import (
	"encoding/json"
)

// Reject codes surfaced on the packet path.
const (
	// CodeBadRequest covers invalid data, encoding, signature and stale
	// claims.
	CodeBadRequest = "F00"
	// CodeInsufficientAmount is returned when the packet amount is below
	// the computed price.
	CodeInsufficientAmount = "F06"
	// CodeInternal maps persistence and unexpected failures; callers are
	// expected to retry.
	CodeInternal = "T00"
)

// PacketRequest is what the connector hands to the business logic server.
type PacketRequest struct {
	Amount        uint64 `json:"amount"`
	Destination   string `json:"destination"`
	Data          string `json:"data"` // base64 of the compact-encoded event.
	SourceAccount string `json:"sourceAccount,omitempty"`
}

// PacketResponse is the accept/reject decision for one packet. On accept,
// Fulfillment carries the 32-byte proof; on reject, Code is one of the F00,
// F06 or T00 constants.
type PacketResponse struct {
	Accept      bool              `json:"accept"`
	Fulfillment []byte            `json:"fulfillment,omitempty"`
	Code        string            `json:"code,omitempty"`
	Message     string            `json:"message,omitempty"`
	Required    string            `json:"required,omitempty"`
	Received    string            `json:"received,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Reject builds a rejection response.
func Reject(code, message string) *PacketResponse {
	return &PacketResponse{Accept: false, Code: code, Message: message}
}

// Marshal renders the response as canonical JSON. The in-process and HTTP
// delivery paths both serialize through here so responses stay
// bit-identical.
func (r *PacketResponse) Marshal() ([]byte, error) {
	return json.Marshal(r)
}
