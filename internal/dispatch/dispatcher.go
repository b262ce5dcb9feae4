// Package dispatch fans outgoing messages out to devices. Every message is
// staged durably per device before any delivery attempt, and attempts to one
// device run serially on that device's lane.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/avinashbhat/session-desktop/internal/outgoing"
	"github.com/avinashbhat/session-desktop/internal/pubkey"
)

// Config wires a Dispatcher to its collaborators. Store, Sessions, Transport
// and Directory are required. With no OpenGroups, open group sends fail; with
// no Conversations, no destination is treated as a medium group.
type Config struct {
	Store         PendingStore
	Sessions      SessionManager
	Transport     Transport
	OpenGroups    OpenGroupTransport
	Directory     Directory
	Conversations Conversations

	Logger  zerolog.Logger
	Metrics *Metrics

	// DeliveryTimeout bounds one Transport.Deliver call. Zero means no bound.
	DeliveryTimeout time.Duration
}

// Dispatcher is the entry point for sends, startup recovery and per-device
// processing triggers.
type Dispatcher struct {
	store      PendingStore
	sessions   SessionManager
	transport  Transport
	openGroups OpenGroupTransport
	convs      Conversations

	resolver *Resolver
	router   *SyncRouter
	lanes    *lanes

	log     zerolog.Logger
	metrics *Metrics
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	// stopJobs cancels the context running deliveries see. It is cancelled
	// before lanes are waited on so a hung transport cannot block Close.
	stopJobs context.CancelFunc
}

// New returns a Dispatcher. It starts no goroutines until work is submitted.
func New(cfg Config) (*Dispatcher, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("dispatch: config: no pending store")
	case cfg.Sessions == nil:
		return nil, errors.New("dispatch: config: no session manager")
	case cfg.Transport == nil:
		return nil, errors.New("dispatch: config: no transport")
	case cfg.Directory == nil:
		return nil, errors.New("dispatch: config: no directory")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}

	resolver := NewResolver(cfg.Directory)
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		store:      cfg.Store,
		sessions:   cfg.Sessions,
		transport:  cfg.Transport,
		openGroups: cfg.OpenGroups,
		convs:      cfg.Conversations,
		resolver:   resolver,
		router:     NewSyncRouter(resolver),
		log:        cfg.Logger.With().Str("component", "dispatch").Logger(),
		metrics:    cfg.Metrics,
		timeout:    cfg.DeliveryTimeout,
		ctx:        ctx,
		cancel:     cancel,
	}
	jobCtx, stopJobs := context.WithCancel(ctx)
	d.stopJobs = stopJobs
	d.lanes = newLanes(jobCtx, d.metrics.Lanes.Inc)
	return d, nil
}

// Resolver returns the resolver the dispatcher uses.
func (d *Dispatcher) Resolver() *Resolver { return d.resolver }

// SendToUser sends msg to every device linked to userID.
func (d *Dispatcher) SendToUser(ctx context.Context, userID string, msg *outgoing.Message) error {
	devices, err := d.resolver.LinkedDevices(ctx, userID)
	if err != nil {
		return err
	}
	return d.SendToDevices(ctx, devices, msg)
}

// SendToDevices stages msg for every device in devices, plus the sync
// replica for our own devices when msg is syncable, and processes each
// device independently. It returns the first staging error. Delivery
// failures never surface here.
//
// Session control messages are dropped without error.
func (d *Dispatcher) SendToDevices(ctx context.Context, devices pubkey.Set, msg *outgoing.Message) error {
	if msg.Kind == outgoing.KindSessionControl {
		d.metrics.Dropped.Inc()
		d.log.Debug().Str("msg_id", msg.ID).Msg("dropping session control message")
		return nil
	}

	primary, syncTo, syncMsg, err := d.router.Split(ctx, msg, devices)
	if err != nil {
		return err
	}

	var g errgroup.Group
	for _, device := range primary.Sorted() {
		g.Go(func() error { return d.stageAndProcess(ctx, device, msg) })
	}
	if syncMsg != nil {
		for _, device := range syncTo.Sorted() {
			g.Go(func() error { return d.stageAndProcess(ctx, device, syncMsg) })
		}
	}
	return g.Wait()
}

// SendToGroup routes a group message. Open group messages go straight to the
// open group transport. Closed group messages go to the group's members, or
// to the group id itself for a medium group.
func (d *Dispatcher) SendToGroup(ctx context.Context, msg *outgoing.Message) error {
	switch msg.Kind {
	case outgoing.KindOpenGroup:
		if d.openGroups == nil {
			return errors.New("dispatch: no open group transport")
		}
		if err := d.openGroups.Post(ctx, msg); err != nil {
			return fmt.Errorf("dispatch: post to %s: %w", msg.Destination, err)
		}
		d.metrics.OpenGroupSent.Inc()
		d.log.Debug().Str("msg_id", msg.ID).Str("room", msg.Destination).Msg("posted to open group")
		return nil

	case outgoing.KindClosedGroup:
		medium, err := d.isMediumGroup(ctx, msg.Destination)
		if err != nil {
			return err
		}
		if medium {
			device, err := pubkey.Parse(msg.Destination)
			if err != nil {
				return fmt.Errorf("dispatch: medium group id: %w", err)
			}
			return d.SendToDevices(ctx, pubkey.NewSet(device), msg)
		}
		members, err := d.resolver.GroupMembers(ctx, msg.Destination)
		if err != nil {
			return err
		}
		return d.SendToDevices(ctx, members, msg)

	default:
		return fmt.Errorf("dispatch: %s message is not a group message", msg.Kind)
	}
}

func (d *Dispatcher) stageAndProcess(ctx context.Context, device pubkey.DeviceID, msg *outgoing.Message) error {
	if err := d.store.Stage(ctx, device, msg); err != nil {
		return fmt.Errorf("dispatch: stage %s for %s: %w", msg.ID, device.Short(), err)
	}
	d.metrics.Staged.Inc()

	// The message is durable now; a failed drain is retried later.
	if err := d.ProcessPending(ctx, device); err != nil {
		d.log.Warn().Err(err).Str("device", device.Short()).Msg("process pending after stage")
	}
	return nil
}

// ProcessPending moves everything staged for device onto its lane, in
// staging order. When device needs a session and has none, it requests one
// and queues nothing; the session becoming ready is the trigger to call
// ProcessPending again.
func (d *Dispatcher) ProcessPending(ctx context.Context, device pubkey.DeviceID) error {
	msgs, err := d.store.Drain(ctx, device)
	if err != nil {
		return fmt.Errorf("dispatch: drain %s: %w", device.Short(), err)
	}
	if len(msgs) == 0 {
		return nil
	}

	medium, err := d.isMediumGroup(ctx, device.String())
	if err != nil {
		return err
	}
	if !medium {
		ok, err := d.sessions.HasSession(ctx, device)
		if err != nil {
			return fmt.Errorf("dispatch: session lookup %s: %w", device.Short(), err)
		}
		if !ok {
			d.sessions.RequestSessionIfNeeded(ctx, device)
			d.metrics.Deferred.Inc()
			d.log.Debug().Str("device", device.Short()).Int("staged", len(msgs)).Msg("no session, deferring")
			return nil
		}
	}

	l := d.lanes.get(device)
	if l == nil {
		return ErrClosed
	}
	for _, m := range msgs {
		l.submitIfAbsent(d.deliveryJob(device, m))
	}
	return nil
}

func (d *Dispatcher) deliveryJob(device pubkey.DeviceID, msg *outgoing.Message) job {
	log := d.log.With().Str("device", device.Short()).Str("msg_id", msg.ID).Stringer("kind", msg.Kind).Logger()
	return job{
		id: msg.ID,
		run: func(ctx context.Context) error {
			if d.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d.timeout)
				defer cancel()
			}
			return d.transport.Deliver(ctx, device, msg)
		},
		settle: func(err error) {
			if err != nil {
				d.metrics.DeliveryFailed.Inc()
				log.Warn().Err(err).Msg("delivery failed, keeping staged")
				return
			}
			if err := d.store.Acknowledge(d.ctx, device, msg.ID); err != nil {
				d.metrics.DeliveryFailed.Inc()
				log.Error().Err(err).Msg("delivered but acknowledge failed")
				return
			}
			d.metrics.Delivered.Inc()
			log.Debug().Msg("delivered")
		},
	}
}

func (d *Dispatcher) isMediumGroup(ctx context.Context, id string) (bool, error) {
	if d.convs == nil {
		return false, nil
	}
	medium, err := d.convs.IsMediumGroup(ctx, id)
	if err != nil {
		return false, fmt.Errorf("dispatch: medium group lookup: %w", err)
	}
	return medium, nil
}

// RecoverOnStartup processes every device that has staged work, so nothing
// staged before a restart is forgotten. Devices are processed independently;
// the first error is returned after all have run.
func (d *Dispatcher) RecoverOnStartup(ctx context.Context) error {
	devices, err := d.store.StagedDevices(ctx)
	if err != nil {
		return fmt.Errorf("dispatch: staged devices: %w", err)
	}
	if len(devices) > 0 {
		d.log.Info().Int("devices", len(devices)).Msg("recovering staged messages")
	}

	var g errgroup.Group
	for _, device := range devices {
		g.Go(func() error {
			if err := d.ProcessPending(ctx, device); err != nil {
				d.log.Warn().Err(err).Str("device", device.Short()).Msg("recover")
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// DrainAll is RecoverOnStartup under the name the periodic drain uses.
func (d *Dispatcher) DrainAll(ctx context.Context) error {
	return d.RecoverOnStartup(ctx)
}

// Close cancels running deliveries, waits for them to unwind and stops every
// lane. Queued and cancelled jobs keep their messages staged.
func (d *Dispatcher) Close() error {
	d.stopJobs()
	d.lanes.close()
	d.cancel()
	return nil
}
