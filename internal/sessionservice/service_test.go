package sessionservice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/avinashbhat/session-desktop/internal/dispatch"
	"github.com/avinashbhat/session-desktop/internal/outgoing"
	"github.com/avinashbhat/session-desktop/internal/pubkey"
)

func testDevice(b byte) pubkey.DeviceID {
	return pubkey.MustParse("05" + strings.Repeat(fmt.Sprintf("%02x", b), 32))
}

func testService(t *testing.T, h http.HandlerFunc) *Service {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewService(ServiceConfig{APIURL: srv.URL, Logger: zerolog.Nop()})
}

func TestDeliver(t *testing.T) {
	device := testDevice(7)
	msg := outgoing.NewContent([]byte("hello"))

	svc := testService(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method: got %s", r.Method)
		}
		if r.URL.Path != "/v1/messages/"+device.String() {
			t.Errorf("path: got %s", r.URL.Path)
		}
		var list OutgoingMessageList
		if err := json.NewDecoder(r.Body).Decode(&list); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(list.Messages) != 1 {
			t.Fatalf("messages: got %d", len(list.Messages))
		}
		m := list.Messages[0]
		if m.ID != msg.ID || m.Type != int(outgoing.KindContent) {
			t.Errorf("message: got %+v", m)
		}
		raw, err := base64.StdEncoding.DecodeString(m.Content)
		if err != nil {
			t.Fatal(err)
		}
		decoded, err := outgoing.Unmarshal(raw)
		if err != nil {
			t.Fatal(err)
		}
		if string(decoded.Body) != "hello" {
			t.Errorf("body: got %q", decoded.Body)
		}
		if !list.Urgent {
			t.Error("content should be urgent")
		}
		w.WriteHeader(http.StatusOK)
	})

	if err := svc.Deliver(context.Background(), device, msg); err != nil {
		t.Fatal(err)
	}
}

func TestDeliverNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	svc := NewService(ServiceConfig{APIURL: url, Logger: zerolog.Nop()})
	err := svc.Deliver(context.Background(), testDevice(1), outgoing.NewContent([]byte("x")))
	if !errors.Is(err, dispatch.ErrDeliveryFailed) {
		t.Fatalf("err = %v, want ErrDeliveryFailed", err)
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		t.Error("network failure should not carry a status")
	}
}

func TestDeliverFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		stale  bool
		want   string
	}{
		{"server error", http.StatusInternalServerError, "oops", false, "oops"},
		{"not found", http.StatusNotFound, "", false, ""},
		{"stale session", http.StatusGone, `{"reason":"session reset"}`, true, "session reset"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := testService(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			err := svc.Deliver(context.Background(), testDevice(1), outgoing.NewReceipt(nil))
			if !errors.Is(err, dispatch.ErrDeliveryFailed) {
				t.Fatalf("err = %v, want ErrDeliveryFailed", err)
			}
			var de *DeliveryError
			if !errors.As(err, &de) {
				t.Fatalf("err = %T, want *DeliveryError", err)
			}
			if de.Status != tt.status || de.Stale() != tt.stale || de.Body != tt.want {
				t.Errorf("got status=%d stale=%v body=%q", de.Status, de.Stale(), de.Body)
			}
		})
	}
}

func TestGetPreKeys(t *testing.T) {
	device := testDevice(3)
	svc := testService(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/keys/"+device.String()+"/*" {
			t.Errorf("path: got %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(PreKeyResponse{
			IdentityKey:  "aWQ=",
			SignedPreKey: &SignedPreKeyEntity{KeyID: 1, PublicKey: "cGs=", Signature: "c2ln"},
		})
	})

	resp, err := svc.GetPreKeys(context.Background(), device)
	if err != nil {
		t.Fatal(err)
	}
	if resp.IdentityKey != "aWQ=" || resp.SignedPreKey == nil || resp.SignedPreKey.KeyID != 1 {
		t.Errorf("resp: got %+v", resp)
	}
}

func TestGetPreKeysErrors(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		svc := testService(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
		if _, err := svc.GetPreKeys(context.Background(), testDevice(1)); err == nil {
			t.Error("expected error")
		}
	})
	t.Run("empty identity", func(t *testing.T) {
		svc := testService(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{}`))
		})
		if _, err := svc.GetPreKeys(context.Background(), testDevice(1)); err == nil {
			t.Error("expected error")
		}
	})
}

func TestTLSConfig(t *testing.T) {
	conf, err := TLSConfig("")
	if err != nil || conf != nil {
		t.Fatalf("empty path: got %v, %v", conf, err)
	}

	if _, err := TLSConfig(filepath.Join(t.TempDir(), "missing.pem")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(t.TempDir(), "bad.pem")
	os.WriteFile(bad, []byte("not a certificate"), 0o600)
	if _, err := TLSConfig(bad); err == nil {
		t.Error("expected error for file without certificates")
	}
}
