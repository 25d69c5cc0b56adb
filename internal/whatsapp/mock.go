package whatsapp

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"time"

	"github.com/arvancloud/whatsapp-relay/internal/notification"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MockClient is a deterministic stand-in transport. Outcome is derived
// from a hash of the recipient so the same input always produces the
// same success/temp-fail/perm-fail result.
type MockClient struct {
	logger       *zap.Logger
	successRate  float64
	tempFailRate float64
	latencyMs    int
}

func NewMockClient(logger *zap.Logger, successRate, tempFailRate float64, latencyMs int) *MockClient {
	return &MockClient{logger: logger, successRate: successRate, tempFailRate: tempFailRate, latencyMs: latencyMs}
}

func (m *MockClient) Send(ctx context.Context, recipientPhone string, payload notification.Payload) (*SendResult, error) {
	select {
	case <-time.After(time.Duration(m.latencyMs) * time.Millisecond):
	case <-ctx.Done():
		return nil, &TransientError{Code: "context_cancelled", Message: ctx.Err().Error()}
	}

	hash := md5.Sum([]byte(recipientPhone))
	value := float64(hash[0]) / 256.0 // in [0, 1), so successRate 1.0 always succeeds
	providerID := "wamid.mock." + hex.EncodeToString(hash[:])[:16]

	switch {
	case value < m.successRate:
		m.logger.Debug("mock whatsapp: sent", zap.String("recipient", recipientPhone), zap.String("provider_id", providerID))
		return &SendResult{ProviderMessageID: providerID, RawResponse: []byte(`{"messages":[{"id":"` + providerID + `"}]}`)}, nil
	case value < m.successRate+m.tempFailRate:
		return nil, &TransientError{Code: "1", Message: "mock transient failure"}
	default:
		return nil, &PermanentError{Code: "131026", Message: "mock permanent failure: invalid phone"}
	}
}

// HashID seeds the deterministic hash with the notification id rather
// than phone, useful when tests want per-message (rather than
// per-recipient) determinism.
func HashID(id uuid.UUID) string {
	hash := md5.Sum(id[:])
	return hex.EncodeToString(hash[:])[:16]
}
