// Package sessionservice talks to the storage server's HTTP API: it delivers
// encoded messages to devices and fetches pre-key bundles.
package sessionservice

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/avinashbhat/session-desktop/internal/dispatch"
	"github.com/avinashbhat/session-desktop/internal/outgoing"
	"github.com/avinashbhat/session-desktop/internal/pubkey"
)

// Service provides high-level access to the storage server API.
type Service struct {
	transport *Transport
	log       zerolog.Logger
}

// ServiceConfig holds configuration for creating a Service.
type ServiceConfig struct {
	APIURL    string
	TLSConfig *tls.Config
	Limiter   *rate.Limiter
	Logger    zerolog.Logger
}

// NewService creates a new storage server service.
func NewService(cfg ServiceConfig) *Service {
	log := cfg.Logger.With().Str("component", "sessionservice").Logger()
	return &Service{
		transport: NewTransport(cfg.APIURL, cfg.TLSConfig, cfg.Limiter, log),
		log:       log,
	}
}

// --- Messages API ---

// Deliver sends msg to device. Any non-2xx answer is a *DeliveryError; every
// failure matches dispatch.ErrDeliveryFailed.
func (s *Service) Deliver(ctx context.Context, device pubkey.DeviceID, msg *outgoing.Message) error {
	list := &OutgoingMessageList{
		Destination: device.String(),
		Timestamp:   msg.Timestamp,
		Messages: []OutgoingMessage{{
			Type:    int(msg.Kind),
			ID:      msg.ID,
			Content: base64.StdEncoding.EncodeToString(outgoing.Marshal(msg)),
		}},
		Urgent: msg.Kind != outgoing.KindReceipt,
	}

	respBody, status, err := s.transport.PutJSON(ctx, "/v1/messages/"+device.String(), list)
	if err != nil {
		return fmt.Errorf("sessionservice: deliver to %s: %w: %w", device.Short(), dispatch.ErrDeliveryFailed, err)
	}

	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
		return nil
	case http.StatusGone: // 410
		body := string(respBody)
		var parsed staleSessionResponse
		if err := json.Unmarshal(respBody, &parsed); err == nil && parsed.Reason != "" {
			body = parsed.Reason
		}
		return &DeliveryError{Device: device, Status: status, Body: body}
	default:
		return &DeliveryError{Device: device, Status: status, Body: string(respBody)}
	}
}

// --- Keys API ---

// GetPreKeys fetches the pre-key bundle of device.
func (s *Service) GetPreKeys(ctx context.Context, device pubkey.DeviceID) (*PreKeyResponse, error) {
	var result PreKeyResponse
	status, err := s.transport.GetJSON(ctx, "/v2/keys/"+device.String()+"/*", &result)
	if err != nil {
		return nil, fmt.Errorf("sessionservice: get pre-keys: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("sessionservice: get pre-keys: status %d", status)
	}
	if result.IdentityKey == "" {
		return nil, fmt.Errorf("sessionservice: get pre-keys: empty identity key")
	}
	return &result, nil
}
