package whatsapp

import (
	"context"
	"errors"
	"testing"

	"github.com/arvancloud/whatsapp-relay/internal/notification"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func TestMockClientDeterministicOutcomePerRecipient(t *testing.T) {
	m := NewMockClient(zap.NewNop(), 0.5, 0.3, 0)
	payload := notification.Payload{Kind: notification.KindText, Text: &notification.TextPayload{Text: "hi"}}

	first, errFirst := m.Send(context.Background(), "15551234567", payload)
	second, errSecond := m.Send(context.Background(), "15551234567", payload)

	if (errFirst == nil) != (errSecond == nil) {
		t.Fatalf("repeated Send for same recipient produced different error outcomes: %v vs %v", errFirst, errSecond)
	}
	if errFirst == nil {
		if first.ProviderMessageID != second.ProviderMessageID {
			t.Errorf("ProviderMessageID differs across repeated sends: %s vs %s", first.ProviderMessageID, second.ProviderMessageID)
		}
		return
	}

	var t1, t2 *TransientError
	var p1, p2 *PermanentError
	is1Transient := errors.As(errFirst, &t1)
	is2Transient := errors.As(errSecond, &t2)
	is1Permanent := errors.As(errFirst, &p1)
	is2Permanent := errors.As(errSecond, &p2)
	if is1Transient != is2Transient || is1Permanent != is2Permanent {
		t.Errorf("repeated Send classified differently: (%v,%v) vs (%v,%v)", is1Transient, is1Permanent, is2Transient, is2Permanent)
	}
}

func TestMockClientAlwaysSucceedsWhenSuccessRateIsOne(t *testing.T) {
	m := NewMockClient(zap.NewNop(), 1.0, 0, 0)
	payload := notification.Payload{Kind: notification.KindText, Text: &notification.TextPayload{Text: "hi"}}

	for _, phone := range []string{"15550000001", "15550000002", "15550000003"} {
		res, err := m.Send(context.Background(), phone, payload)
		if err != nil {
			t.Fatalf("Send(%s) returned error with successRate=1.0: %v", phone, err)
		}
		if res.ProviderMessageID == "" {
			t.Errorf("Send(%s) returned empty ProviderMessageID", phone)
		}
	}
}

func TestMockClientAlwaysFailsPermanentlyWhenRatesAreZero(t *testing.T) {
	m := NewMockClient(zap.NewNop(), 0, 0, 0)
	payload := notification.Payload{Kind: notification.KindText, Text: &notification.TextPayload{Text: "hi"}}

	_, err := m.Send(context.Background(), "15550000009", payload)
	var permErr *PermanentError
	if !errors.As(err, &permErr) {
		t.Fatalf("Send() error = %v, want *PermanentError", err)
	}
}

func TestMockClientRespectsContextCancellation(t *testing.T) {
	m := NewMockClient(zap.NewNop(), 0.5, 0.3, 1000)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	payload := notification.Payload{Kind: notification.KindText, Text: &notification.TextPayload{Text: "hi"}}
	_, err := m.Send(ctx, "15550000001", payload)
	var transientErr *TransientError
	if !errors.As(err, &transientErr) {
		t.Fatalf("Send() with cancelled context error = %v, want *TransientError", err)
	}
	if transientErr.Code != "context_cancelled" {
		t.Errorf("Code = %q, want %q", transientErr.Code, "context_cancelled")
	}
}

func TestHashIDDeterministic(t *testing.T) {
	id := uuid.New()
	first := HashID(id)
	second := HashID(id)
	if first != second {
		t.Errorf("HashID not deterministic: %s vs %s", first, second)
	}
	if len(first) != 16 {
		t.Errorf("HashID length = %d, want 16", len(first))
	}
}
