package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"proximichat/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sideshow/apns2"
)

type fakeSender struct {
	sent []*apns2.Notification
	res  *apns2.Response
	err  error
}

func (f *fakeSender) PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error) {
	f.sent = append(f.sent, n)
	if f.err != nil {
		return nil, f.err
	}
	if f.res != nil {
		return f.res, nil
	}
	return &apns2.Response{StatusCode: http.StatusOK, ApnsID: "apns-1"}, nil
}

type fakeTokens map[string]string

func (f fakeTokens) PushToken(ctx context.Context, userID string) (*string, error) {
	tok, ok := f[userID]
	if !ok {
		return nil, nil
	}
	return &tok, nil
}

func TestNotifyRequest(t *testing.T) {
	sender := &fakeSender{}
	m := metrics.New()
	n := NewNotifier(sender, "com.example.proximichat", fakeTokens{"bob": "device-1"}, m)

	if err := n.NotifyRequest(context.Background(), "bob", "Alice"); err != nil {
		t.Fatalf("NotifyRequest: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one push, got %d", len(sender.sent))
	}
	got := sender.sent[0]
	if got.DeviceToken != "device-1" || got.Topic != "com.example.proximichat" {
		t.Errorf("unexpected notification %+v", got)
	}
	body, err := json.Marshal(got.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "New chat request from Alice") {
		t.Errorf("unexpected payload %s", body)
	}
	if v := testutil.ToFloat64(m.Pushes(metrics.ResultSuccess)); v != 1 {
		t.Errorf("expected one successful push, got %v", v)
	}
}

func TestNotifyRequestSkips(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		n := NewNotifier(nil, "topic", fakeTokens{"bob": "device-1"}, nil)
		if n.Enabled() {
			t.Error("notifier without sender must be disabled")
		}
		if err := n.NotifyRequest(context.Background(), "bob", "Alice"); err != nil {
			t.Errorf("expected no-op, got %v", err)
		}
	})

	t.Run("no token", func(t *testing.T) {
		sender := &fakeSender{}
		n := NewNotifier(sender, "topic", fakeTokens{}, nil)
		if err := n.NotifyRequest(context.Background(), "bob", "Alice"); err != nil {
			t.Fatal(err)
		}
		if len(sender.sent) != 0 {
			t.Error("nothing should be sent without a device token")
		}
	})
}

func TestNotifyRequestFailures(t *testing.T) {
	tests := []struct {
		name   string
		sender *fakeSender
	}{
		{name: "transport", sender: &fakeSender{err: errors.New("connection reset")}},
		{name: "rejected", sender: &fakeSender{res: &apns2.Response{StatusCode: http.StatusBadRequest, Reason: apns2.ReasonBadDeviceToken}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			n := NewNotifier(tt.sender, "topic", fakeTokens{"bob": "device-1"}, m)
			if err := n.NotifyRequest(context.Background(), "bob", "Alice"); err == nil {
				t.Fatal("expected an error")
			}
			if v := testutil.ToFloat64(m.Pushes(metrics.ResultFailure)); v != 1 {
				t.Errorf("expected one failed push, got %v", v)
			}
		})
	}
}

func TestConfigEnabled(t *testing.T) {
	full := Config{KeyPath: "key.p8", KeyID: "K", TeamID: "T", Topic: "com.example"}
	if !full.Enabled() {
		t.Error("complete config should be enabled")
	}
	partial := full
	partial.KeyID = ""
	if partial.Enabled() {
		t.Error("partial config should be disabled")
	}
}
