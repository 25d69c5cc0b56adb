package whatsapp

import "fmt"

// TransientError is retryable: network failure, 408/429/5xx, or a known
// transient WhatsApp Business API error code.
type TransientError struct {
	Code    string
	Message string
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider error %s: %s", e.Code, e.Message)
}

// PermanentError is not retryable: 4xx other than 408/429, or a known
// permanent provider code (e.g. invalid phone, invalid template).
type PermanentError struct {
	Code    string
	Message string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent provider error %s: %s", e.Code, e.Message)
}

// transientProviderCodes are WhatsApp Business API error codes classified
// as transient (rate limiting, temporary unavailability) rather than
// permanent (invalid recipient, invalid template).
var transientProviderCodes = map[string]bool{
	"1":     true,
	"2":     true,
	"4":     true,
	"80007": true,
}

// classifyHTTPStatus reports whether a non-2xx HTTP status is transient
// (408, 429, 5xx); every other status counts as permanent.
func classifyHTTPStatus(status int) bool { // returns true if transient
	if status == 408 || status == 429 {
		return true
	}
	return status >= 500
}
