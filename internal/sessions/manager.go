// Package sessions tracks which devices we hold a secure channel with and
// establishes missing channels in the background.
package sessions

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/avinashbhat/session-desktop/internal/pubkey"
	"github.com/avinashbhat/session-desktop/internal/sessionservice"
)

// Store persists session markers.
type Store interface {
	HasSession(ctx context.Context, device pubkey.DeviceID) (bool, error)
	StoreSession(ctx context.Context, device pubkey.DeviceID, identityKey []byte) error
	ArchiveSession(ctx context.Context, device pubkey.DeviceID) error
}

// KeyFetcher fetches a device's pre-key bundle.
type KeyFetcher interface {
	GetPreKeys(ctx context.Context, device pubkey.DeviceID) (*sessionservice.PreKeyResponse, error)
}

// Manager implements dispatch.SessionManager.
type Manager struct {
	store   Store
	keys    KeyFetcher
	log     zerolog.Logger
	timeout time.Duration

	mu       sync.Mutex
	inflight map[pubkey.DeviceID]struct{}
	onReady  func(pubkey.DeviceID)

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager returns a manager. timeout bounds one establishment attempt;
// zero means 30 seconds.
func NewManager(store Store, keys KeyFetcher, timeout time.Duration, logger zerolog.Logger) *Manager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    store,
		keys:     keys,
		log:      logger.With().Str("component", "sessions").Logger(),
		timeout:  timeout,
		inflight: make(map[pubkey.DeviceID]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// OnReady sets the hook called after a session with a device is established.
func (m *Manager) OnReady(fn func(pubkey.DeviceID)) {
	m.mu.Lock()
	m.onReady = fn
	m.mu.Unlock()
}

// HasSession reports whether a session with device exists.
func (m *Manager) HasSession(ctx context.Context, device pubkey.DeviceID) (bool, error) {
	return m.store.HasSession(ctx, device)
}

// RequestSessionIfNeeded starts establishing a session with device unless
// one is already being established. It never blocks on the handshake.
func (m *Manager) RequestSessionIfNeeded(_ context.Context, device pubkey.DeviceID) {
	m.mu.Lock()
	if _, ok := m.inflight[device]; ok {
		m.mu.Unlock()
		return
	}
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.inflight[device] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		ready, err := m.establish(device)

		m.mu.Lock()
		delete(m.inflight, device)
		onReady := m.onReady
		m.mu.Unlock()

		if err != nil {
			m.log.Warn().Err(err).Str("device", device.Short()).Msg("session request failed")
			return
		}
		if ready && onReady != nil {
			onReady(device)
		}
	}()
}

// establish fetches the device's keys and records the session. Reports
// whether a new session was recorded.
func (m *Manager) establish(device pubkey.DeviceID) (bool, error) {
	ctx, cancel := context.WithTimeout(m.ctx, m.timeout)
	defer cancel()

	has, err := m.store.HasSession(ctx, device)
	if err != nil {
		return false, err
	}
	if has {
		return false, nil
	}

	bundle, err := m.keys.GetPreKeys(ctx, device)
	if err != nil {
		return false, err
	}
	identity, err := base64.StdEncoding.DecodeString(bundle.IdentityKey)
	if err != nil {
		return false, fmt.Errorf("sessions: decode identity key: %w", err)
	}
	// The bundle may carry the key with or without its type prefix.
	if len(identity) == 33 && identity[0] == 0x05 {
		identity = identity[1:]
	}
	id, err := pubkey.FromPublicKey(identity)
	if err != nil {
		return false, fmt.Errorf("sessions: identity key: %w", err)
	}
	if id != device {
		return false, errors.New("sessions: identity key does not match device")
	}
	if err := m.store.StoreSession(ctx, device, identity); err != nil {
		return false, err
	}
	m.log.Info().Str("device", device.Short()).Msg("session established")
	return true, nil
}

// Forget drops the session with device, so the next drain requests a new one.
func (m *Manager) Forget(ctx context.Context, device pubkey.DeviceID) error {
	return m.store.ArchiveSession(ctx, device)
}

// Close cancels running requests and waits for them.
func (m *Manager) Close() {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	m.wg.Wait()
}
