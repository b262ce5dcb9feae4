// Package session provides a client that sends messages to users, closed
// groups and open groups, fanning each send out to every device involved.
package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/avinashbhat/session-desktop/internal/dispatch"
	"github.com/avinashbhat/session-desktop/internal/outgoing"
	"github.com/avinashbhat/session-desktop/internal/pubkey"
	"github.com/avinashbhat/session-desktop/internal/redisstore"
	"github.com/avinashbhat/session-desktop/internal/sessions"
	"github.com/avinashbhat/session-desktop/internal/sessionservice"
	"github.com/avinashbhat/session-desktop/internal/sessionws"
	"github.com/avinashbhat/session-desktop/internal/store"
)

// Account is the local identity.
type Account = store.Account

// Group is a closed group stored locally.
type Group = store.Group

const defaultAPIURL = "https://storage.getsession.org"

// Client is the main entry point for sending messages.
type Client struct {
	dbPath          string
	apiURL          string
	wsURL           string
	tlsConfig       *tls.Config
	logger          zerolog.Logger
	redisURL        string
	redisPrefix     string
	limit           rate.Limit
	burst           int
	registerer      prometheus.Registerer
	deliveryTimeout time.Duration
	sessionTimeout  time.Duration

	store      *store.Store
	pending    pendingStore
	redis      *redisstore.Store
	service    *sessionservice.Service
	sessions   *sessions.Manager
	poster     *sessionws.Poster
	dispatcher *dispatch.Dispatcher
	metrics    *dispatch.Metrics
	schedule   *dispatch.Schedule
}

// pendingStore is a staging backend that can also report its size.
type pendingStore interface {
	dispatch.PendingStore
	PendingCount(ctx context.Context) (int, error)
}

// Option configures a Client.
type Option func(*Client)

// WithDBPath overrides the database path.
// If not set, defaults to $XDG_DATA_HOME/session-desktop/default.db.
func WithDBPath(path string) Option {
	return func(c *Client) { c.dbPath = path }
}

// WithLogger sets the logger. If not set, logging is disabled.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithAPIURL overrides the storage server URL.
func WithAPIURL(url string) Option {
	return func(c *Client) { c.apiURL = url }
}

// WithWSURL sets the open group server WebSocket URL. Without it, open group
// sends fail.
func WithWSURL(url string) Option {
	return func(c *Client) { c.wsURL = url }
}

// WithTLSConfig overrides the TLS configuration used for connections.
func WithTLSConfig(tc *tls.Config) Option {
	return func(c *Client) { c.tlsConfig = tc }
}

// WithRedis keeps pending messages in Redis instead of SQLite.
func WithRedis(url, prefix string) Option {
	return func(c *Client) {
		c.redisURL = url
		c.redisPrefix = prefix
	}
}

// WithRateLimit paces storage server requests to perSecond with the given burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		c.limit = rate.Limit(perSecond)
		c.burst = burst
	}
}

// WithRegisterer registers dispatch metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Client) { c.registerer = reg }
}

// WithDeliveryTimeout bounds a single delivery attempt.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(c *Client) { c.deliveryTimeout = d }
}

// WithSessionTimeout bounds a single session establishment.
func WithSessionTimeout(d time.Duration) Option {
	return func(c *Client) { c.sessionTimeout = d }
}

// Open opens the database, wires the dispatcher and resumes every message
// left staged by a previous run.
func Open(ctx context.Context, opts ...Option) (*Client, error) {
	c := &Client{
		apiURL:          defaultAPIURL,
		logger:          zerolog.Nop(),
		deliveryTimeout: 30 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	if err := c.init(ctx); err != nil {
		c.Close()
		return nil, err
	}

	if err := c.dispatcher.RecoverOnStartup(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("startup recovery incomplete")
	}
	return c, nil
}

func (c *Client) init(ctx context.Context) error {
	dbPath := c.dbPath
	if dbPath == "" {
		dbPath = filepath.Join(store.DefaultDataDir(), "default.db")
	}
	c.logger.Debug().Str("path", dbPath).Msg("opening database")
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("client: open store: %w", err)
	}
	c.store = st
	c.pending = st

	if c.redisURL != "" {
		rs, err := redisstore.Dial(ctx, c.redisURL, c.redisPrefix)
		if err != nil {
			return fmt.Errorf("client: %w", err)
		}
		c.redis = rs
		c.pending = rs
	}

	var limiter *rate.Limiter
	if c.limit > 0 {
		limiter = rate.NewLimiter(c.limit, max(c.burst, 1))
	}
	c.service = sessionservice.NewService(sessionservice.ServiceConfig{
		APIURL:    c.apiURL,
		TLSConfig: c.tlsConfig,
		Limiter:   limiter,
		Logger:    c.logger,
	})
	c.sessions = sessions.NewManager(st, c.service, c.sessionTimeout, c.logger)

	var openGroups dispatch.OpenGroupTransport
	if c.wsURL != "" {
		p, err := sessionws.NewPoster(c.wsURL, c.tlsConfig, c.logger)
		if err != nil {
			return fmt.Errorf("client: %w", err)
		}
		c.poster = p
		openGroups = p
	}

	c.metrics = dispatch.NewMetrics(c.registerer)
	d, err := dispatch.New(dispatch.Config{
		Store:           c.pending,
		Sessions:        c.sessions,
		Transport:       &staleSessionTransport{next: c.service, sessions: c.sessions, log: c.logger},
		OpenGroups:      openGroups,
		Directory:       st,
		Conversations:   st,
		Logger:          c.logger,
		Metrics:         c.metrics,
		DeliveryTimeout: c.deliveryTimeout,
	})
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	c.dispatcher = d

	// A new session is the trigger to push out what waited for it.
	c.sessions.OnReady(func(device pubkey.DeviceID) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := d.ProcessPending(ctx, device); err != nil && !errors.Is(err, dispatch.ErrClosed) {
			c.logger.Warn().Err(err).Str("device", device.Short()).Msg("process pending after session")
		}
	})
	return nil
}

// Close stops background work and releases every resource.
func (c *Client) Close() error {
	var errs []error
	if c.schedule != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		errs = append(errs, c.schedule.Stop(ctx))
		cancel()
	}
	if c.sessions != nil {
		c.sessions.Close()
	}
	if c.dispatcher != nil {
		errs = append(errs, c.dispatcher.Close())
	}
	if c.poster != nil {
		errs = append(errs, c.poster.Close())
	}
	if c.redis != nil {
		errs = append(errs, c.redis.Close())
	}
	if c.store != nil {
		errs = append(errs, c.store.Close())
	}
	return errors.Join(errs...)
}

// Store returns the underlying SQLite store.
func (c *Client) Store() *store.Store { return c.store }

// Account returns the local account, or nil if none was created.
func (c *Client) Account() (*Account, error) {
	return c.store.LoadAccount()
}

// CreateAccount generates a new identity for this device and saves it. The
// device becomes the primary device of a new user.
func (c *Client) CreateAccount(ctx context.Context, name string) (*Account, error) {
	existing, err := c.store.LoadAccount()
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("client: account %s already exists", existing.DeviceID.Short())
	}

	id, priv, err := pubkey.Generate()
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	acct := &Account{UserID: id.String(), DeviceID: id, PrivateKey: priv, Name: name}
	if err := c.store.SaveAccount(acct); err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	if err := c.store.AddLinkedDevice(ctx, acct.UserID, id); err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	c.logger.Info().Str("device", id.Short()).Msg("account created")
	return acct, nil
}

// LinkDevice records device as one of userID's devices. Linking a device to
// our own user id makes it a sync target.
func (c *Client) LinkDevice(ctx context.Context, userID, device string) error {
	d, err := pubkey.Parse(device)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	return c.store.AddLinkedDevice(ctx, userID, d)
}

// SetGroup creates or replaces a closed group.
func (c *Client) SetGroup(ctx context.Context, groupID, name string, medium bool, members []string) error {
	g := &Group{GroupID: groupID, Name: name, Medium: medium}
	for _, m := range members {
		d, err := pubkey.Parse(m)
		if err != nil {
			return fmt.Errorf("client: member: %w", err)
		}
		g.Members = append(g.Members, d)
	}
	return c.store.SaveGroup(ctx, g)
}

// GetGroup returns a group by id, or nil if unknown.
func (c *Client) GetGroup(ctx context.Context, groupID string) (*Group, error) {
	return c.store.GetGroup(ctx, groupID)
}

// SendText sends a text message to every device of userID and mirrors it to
// our own devices. It returns the message id once the message is staged;
// delivery continues in the background.
func (c *Client) SendText(ctx context.Context, userID, text string) (string, error) {
	msg := outgoing.NewContent([]byte(text))
	if err := c.dispatcher.SendToUser(ctx, userID, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// SendToDevices sends a text message to the given device ids.
func (c *Client) SendToDevices(ctx context.Context, devices []string, text string) (string, error) {
	set := pubkey.NewSet()
	for _, s := range devices {
		d, err := pubkey.Parse(s)
		if err != nil {
			return "", fmt.Errorf("client: %w", err)
		}
		set.Add(d)
	}
	msg := outgoing.NewContent([]byte(text))
	if err := c.dispatcher.SendToDevices(ctx, set, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// SendGroup sends a text message to a closed group.
func (c *Client) SendGroup(ctx context.Context, groupID, text string) (string, error) {
	g, err := c.store.GetGroup(ctx, groupID)
	if err != nil {
		return "", fmt.Errorf("client: %w", err)
	}
	if g == nil {
		return "", fmt.Errorf("client: group not found: %s", groupID)
	}
	msg := outgoing.NewClosedGroup(groupID, []byte(text))
	if err := c.dispatcher.SendToGroup(ctx, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// SendOpenGroup posts a text message to the open group room at roomURL.
// Unlike other sends it waits for the server and nothing is staged.
func (c *Client) SendOpenGroup(ctx context.Context, roomURL, text string) (string, error) {
	server, room, err := sessionws.ParseRoomURL(roomURL)
	if err != nil {
		return "", err
	}
	msg := outgoing.NewOpenGroup(sessionws.RoomID(server, room), []byte(text))
	if err := c.dispatcher.SendToGroup(ctx, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// EndSession submits a session reset for device. Session control messages
// are not transmitted by the dispatcher, so this currently only records the
// attempt in the dropped-message metric.
func (c *Client) EndSession(ctx context.Context, device string) error {
	d, err := pubkey.Parse(device)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	return c.dispatcher.SendToDevices(ctx, pubkey.NewSet(d), outgoing.NewSessionControl())
}

// ProcessPending retries everything staged for device.
func (c *Client) ProcessPending(ctx context.Context, device string) error {
	d, err := pubkey.Parse(device)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	return c.dispatcher.ProcessPending(ctx, d)
}

// DrainAll retries everything staged for every device.
func (c *Client) DrainAll(ctx context.Context) error {
	return c.dispatcher.DrainAll(ctx)
}

// Pending returns the number of staged (device, message) entries.
func (c *Client) Pending(ctx context.Context) (int, error) {
	return c.pending.PendingCount(ctx)
}

// StagedDevices lists the devices with staged messages.
func (c *Client) StagedDevices(ctx context.Context) ([]pubkey.DeviceID, error) {
	return c.pending.StagedDevices(ctx)
}

// StartDrainSchedule drains all devices periodically on spec, a cron
// expression or @every descriptor. Empty spec means every 30 seconds.
func (c *Client) StartDrainSchedule(spec string) error {
	if c.schedule != nil {
		return errors.New("client: drain schedule already running")
	}
	s, err := dispatch.NewSchedule(c.dispatcher, spec, c.logger)
	if err != nil {
		return err
	}
	c.schedule = s
	s.Start()
	return nil
}

// staleSessionTransport forgets the session with a device the server
// reports as stale, so the next drain establishes a fresh one.
type staleSessionTransport struct {
	next     dispatch.Transport
	sessions *sessions.Manager
	log      zerolog.Logger
}

func (t *staleSessionTransport) Deliver(ctx context.Context, device pubkey.DeviceID, msg *outgoing.Message) error {
	err := t.next.Deliver(ctx, device, msg)
	var de *sessionservice.DeliveryError
	if errors.As(err, &de) && de.Stale() {
		if ferr := t.sessions.Forget(ctx, device); ferr != nil {
			t.log.Warn().Err(ferr).Str("device", device.Short()).Msg("forget stale session")
		} else {
			t.log.Info().Str("device", device.Short()).Msg("stale session dropped")
		}
	}
	return err
}

// NewConsoleLogger returns a human-readable logger writing to stderr.
func NewConsoleLogger(level zerolog.Level) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()
}
