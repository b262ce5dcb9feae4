package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/avinashbhat/session-desktop/internal/outgoing"
	"github.com/avinashbhat/session-desktop/internal/pubkey"
	"github.com/avinashbhat/session-desktop/internal/store"
)

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty config")
	}
	if _, err := New(Config{Store: newMemStore(), Sessions: newFakeSessions(), Transport: newFakeTransport()}); err == nil {
		t.Fatal("expected error without directory")
	}
}

func TestSendToDevicesSyncSplit(t *testing.T) {
	h := newHarness(t)
	d1, d2, d3 := testDevice(1), testDevice(2), testDevice(3)
	h.dir.own = []pubkey.DeviceID{d1, d3}
	h.sessions.establish(d1)
	h.sessions.establish(d2)
	h.sessions.establish(d3)

	msg := testMessage("m")
	if err := h.d.SendToDevices(context.Background(), pubkey.NewSet(d1, d2), msg); err != nil {
		t.Fatal(err)
	}

	if got, want := h.store.stagedTo("m"), []pubkey.DeviceID{d2, d3}; !slices.Equal(got, want) {
		t.Errorf("primary staged to %v, want %v", got, want)
	}
	wrapID := outgoing.Wrap(msg).ID
	if got, want := h.store.stagedTo(wrapID), []pubkey.DeviceID{d1, d3}; !slices.Equal(got, want) {
		t.Errorf("sync staged to %v, want %v", got, want)
	}

	waitFor(t, "all deliveries", func() bool { return len(h.tr.deliveredIDs()) == 4 })
	if got := h.tr.deliveredTo("m"); !slices.Equal(got, []pubkey.DeviceID{d2, d3}) {
		t.Errorf("primary delivered to %v", got)
	}
	if got := h.tr.deliveredTo(wrapID); !slices.Equal(got, []pubkey.DeviceID{d1, d3}) {
		t.Errorf("sync delivered to %v", got)
	}
	waitFor(t, "staging emptied", func() bool {
		devices, _ := h.store.StagedDevices(context.Background())
		return len(devices) == 0
	})
}

func TestSendToDevicesNotSyncable(t *testing.T) {
	h := newHarness(t)
	d1, d2 := testDevice(1), testDevice(2)
	h.dir.own = []pubkey.DeviceID{d1}

	if err := h.d.SendToDevices(context.Background(), pubkey.NewSet(d2), outgoing.NewReceipt(nil)); err != nil {
		t.Fatal(err)
	}
	if h.store.stageCount() != 1 {
		t.Errorf("stage calls = %d, want 1", h.store.stageCount())
	}
	if h.dir.ownHits != 0 {
		t.Error("own devices resolved for a receipt")
	}
}

func TestSessionGateDefers(t *testing.T) {
	h := newHarness(t)
	d1 := testDevice(1)
	ctx := context.Background()

	h.store.Stage(ctx, d1, testMessage("a"))
	h.store.Stage(ctx, d1, testMessage("b"))

	if err := h.d.ProcessPending(ctx, d1); err != nil {
		t.Fatal(err)
	}
	if got := h.sessions.requestCount(d1); got != 1 {
		t.Errorf("session requests = %d, want 1", got)
	}
	if len(h.tr.startedIDs()) != 0 {
		t.Errorf("queued without a session: %v", h.tr.startedIDs())
	}
	if got := h.store.ids(d1); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("staged = %v, want [a b]", got)
	}
	if h.d.lanes.len() != 0 {
		t.Error("deferred device should not get a lane")
	}

	// Exactly once per call, not once ever.
	h.d.ProcessPending(ctx, d1)
	if got := h.sessions.requestCount(d1); got != 2 {
		t.Errorf("session requests = %d, want 2", got)
	}
	if got := counterValue(t, h.metrics.Deferred); got != 2 {
		t.Errorf("deferred = %v, want 2", got)
	}
}

func TestProcessPendingAfterSessionReady(t *testing.T) {
	h := newHarness(t)
	d1 := testDevice(1)
	ctx := context.Background()

	h.store.Stage(ctx, d1, testMessage("a"))
	h.store.Stage(ctx, d1, testMessage("b"))
	h.d.ProcessPending(ctx, d1)

	h.sessions.establish(d1)
	gate := h.tr.gate("b")
	if err := h.d.ProcessPending(ctx, d1); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "b to start", func() bool { return len(h.tr.startedIDs()) == 2 })
	if got := h.tr.startedIDs(); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("attempt order = %v, want [a b]", got)
	}
	// a settled before b started, so only b is left.
	if got := h.store.ids(d1); !slices.Equal(got, []string{"b"}) {
		t.Errorf("staged while b in flight = %v, want [b]", got)
	}

	close(gate)
	waitFor(t, "b acknowledged", func() bool { return len(h.store.ids(d1)) == 0 })
	if got := counterValue(t, h.metrics.Delivered); got != 2 {
		t.Errorf("delivered = %v, want 2", got)
	}
}

func TestIdempotentStagingAndDedup(t *testing.T) {
	h := newHarness(t)
	d1 := testDevice(1)
	h.sessions.establish(d1)
	ctx := context.Background()

	gate := h.tr.gate("a")
	msg := testMessage("a")
	msg.Sync = false

	for range 3 {
		if err := h.d.SendToDevices(ctx, pubkey.NewSet(d1), msg); err != nil {
			t.Fatal(err)
		}
	}
	if got := h.store.ids(d1); !slices.Equal(got, []string{"a"}) {
		t.Errorf("staged = %v, want one entry", got)
	}
	waitFor(t, "a to start", func() bool { return len(h.tr.startedIDs()) == 1 })

	close(gate)
	waitFor(t, "a acknowledged", func() bool { return len(h.store.ids(d1)) == 0 })
	if got := h.tr.startedIDs(); len(got) != 1 {
		t.Errorf("attempts = %v, want exactly one", got)
	}
}

func TestDeliveryFailureKeepsStaged(t *testing.T) {
	h := newHarness(t)
	d1 := testDevice(1)
	h.sessions.establish(d1)
	h.tr.fail["a"] = errors.New("502 bad gateway")
	ctx := context.Background()

	msg := testMessage("a")
	msg.Sync = false
	if err := h.d.SendToDevices(ctx, pubkey.NewSet(d1), msg); err != nil {
		t.Fatalf("delivery failure surfaced to sender: %v", err)
	}

	waitFor(t, "failed attempt", func() bool { return counterValue(t, h.metrics.DeliveryFailed) == 1 })
	waitFor(t, "outstanding cleared", func() bool { return !h.d.lanes.get(d1).isOutstanding("a") })
	if got := h.store.ids(d1); !slices.Equal(got, []string{"a"}) {
		t.Errorf("staged = %v, want [a]", got)
	}

	// The next drain retries.
	h.tr.mu.Lock()
	delete(h.tr.fail, "a")
	h.tr.mu.Unlock()
	if err := h.d.ProcessPending(ctx, d1); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "retry delivered", func() bool { return len(h.store.ids(d1)) == 0 })
}

func TestSessionControlDropped(t *testing.T) {
	h := newHarness(t)
	d1 := testDevice(1)
	h.sessions.establish(d1)

	if err := h.d.SendToDevices(context.Background(), pubkey.NewSet(d1), outgoing.NewSessionControl()); err != nil {
		t.Fatal(err)
	}
	if h.store.stageCount() != 0 {
		t.Error("session control message was staged")
	}
	if h.d.lanes.len() != 0 {
		t.Error("session control message was queued")
	}
	if got := counterValue(t, h.metrics.Dropped); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
}

func TestOpenGroupBypassesPipeline(t *testing.T) {
	h := newHarness(t)
	msg := outgoing.NewOpenGroup("chat.example.org/lobby", []byte("hi"))

	if err := h.d.SendToGroup(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if len(h.og.posted) != 1 || h.og.posted[0] != msg {
		t.Fatalf("posted = %v", h.og.posted)
	}
	if h.store.stageCount() != 0 || h.d.lanes.len() != 0 {
		t.Error("open group message touched staging")
	}
	if got := counterValue(t, h.metrics.OpenGroupSent); got != 1 {
		t.Errorf("open group sent = %v, want 1", got)
	}

	h.og.err = errors.New("room gone")
	if err := h.d.SendToGroup(context.Background(), msg); err == nil {
		t.Error("post failure should surface")
	}
}

func TestClosedGroupResolvesMembers(t *testing.T) {
	h := newHarness(t)
	d1, d2, d3 := testDevice(1), testDevice(2), testDevice(3)
	h.dir.groups["g1"] = []pubkey.DeviceID{d1, d2}
	h.dir.own = []pubkey.DeviceID{d3}
	h.sessions.establish(d1)
	h.sessions.establish(d2)
	h.sessions.establish(d3)

	msg := outgoing.NewClosedGroup("g1", []byte("hello group"))
	if err := h.d.SendToGroup(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if got := h.store.stagedTo(msg.ID); !slices.Equal(got, []pubkey.DeviceID{d1, d2, d3}) {
		t.Errorf("group message staged to %v", got)
	}
	if got := h.store.stagedTo(outgoing.Wrap(msg).ID); !slices.Equal(got, []pubkey.DeviceID{d3}) {
		t.Errorf("sync staged to %v", got)
	}
}

func TestMediumGroupSkipsSessionGate(t *testing.T) {
	h := newHarness(t)
	group := testDevice(9)
	h.convs[group.String()] = true

	msg := outgoing.NewClosedGroup(group.String(), []byte("hello"))
	msg.Sync = false
	if err := h.d.SendToGroup(context.Background(), msg); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "medium group delivery", func() bool { return len(h.tr.deliveredIDs()) == 1 })
	if got := h.tr.deliveredTo(msg.ID); !slices.Equal(got, []pubkey.DeviceID{group}) {
		t.Errorf("delivered to %v, want the group id", got)
	}
	if h.sessions.requestCount(group) != 0 {
		t.Error("session requested for a medium group")
	}
}

func TestMediumGroupMixedCaseID(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "dispatch.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	gid := "05" + strings.Repeat("AB", 32)
	if err := st.SaveGroup(ctx, &store.Group{GroupID: gid, Name: "big", Medium: true}); err != nil {
		t.Fatal(err)
	}

	sessions := newFakeSessions()
	tr := newFakeTransport()
	d, err := New(Config{
		Store:         st,
		Sessions:      sessions,
		Transport:     tr,
		Directory:     &fakeDirectory{},
		Conversations: st,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	msg := outgoing.NewClosedGroup(gid, []byte("hello"))
	msg.Sync = false
	if err := d.SendToGroup(ctx, msg); err != nil {
		t.Fatal(err)
	}

	group := pubkey.MustParse(gid)
	waitFor(t, "medium group delivery", func() bool { return len(tr.deliveredTo(msg.ID)) == 1 })
	if got := tr.deliveredTo(msg.ID); got[0] != group {
		t.Errorf("delivered to %v, want %v", got, group)
	}
	if n := sessions.requestCount(group); n != 0 {
		t.Errorf("session requests for the group key = %d, want 0", n)
	}
	waitFor(t, "acknowledged", func() bool {
		n, _ := st.PendingCount(ctx)
		return n == 0
	})
}

func TestSendToGroupRejectsDirectKinds(t *testing.T) {
	h := newHarness(t)
	if err := h.d.SendToGroup(context.Background(), testMessage("a")); err == nil {
		t.Error("expected error for a 1:1 message")
	}
}

func TestResolutionFailureStagesNothing(t *testing.T) {
	ctx := context.Background()

	t.Run("linked devices", func(t *testing.T) {
		h := newHarness(t)
		h.dir.err = errors.New("directory down")
		err := h.d.SendToUser(ctx, "alice", testMessage("a"))
		if !errors.Is(err, ErrResolutionFailed) {
			t.Fatalf("err = %v", err)
		}
		if h.store.stageCount() != 0 {
			t.Error("staged despite resolution failure")
		}
	})

	t.Run("own devices", func(t *testing.T) {
		h := newHarness(t)
		h.dir.ownErr = errors.New("no account")
		err := h.d.SendToDevices(ctx, pubkey.NewSet(testDevice(1)), testMessage("a"))
		if !errors.Is(err, ErrResolutionFailed) {
			t.Fatalf("err = %v", err)
		}
		if h.store.stageCount() != 0 {
			t.Error("staged despite resolution failure")
		}
	})

	t.Run("group members", func(t *testing.T) {
		h := newHarness(t)
		err := h.d.SendToGroup(ctx, outgoing.NewClosedGroup("missing", nil))
		if !errors.Is(err, ErrResolutionFailed) {
			t.Fatalf("err = %v", err)
		}
		if h.store.stageCount() != 0 {
			t.Error("staged despite resolution failure")
		}
	})
}

func TestSendToUser(t *testing.T) {
	h := newHarness(t)
	d1, d2 := testDevice(1), testDevice(2)
	h.dir.linked["bob"] = []pubkey.DeviceID{d1, d2}

	msg := testMessage("a")
	if err := h.d.SendToUser(context.Background(), "bob", msg); err != nil {
		t.Fatal(err)
	}
	if got := h.store.stagedTo("a"); !slices.Equal(got, []pubkey.DeviceID{d1, d2}) {
		t.Errorf("staged to %v", got)
	}
	if h.sessions.requestCount(d1) != 1 || h.sessions.requestCount(d2) != 1 {
		t.Error("each device without a session should request one")
	}
}

func TestStageErrorReturned(t *testing.T) {
	h := newHarness(t)
	h.store.err = errors.New("disk full")
	msg := testMessage("a")
	msg.Sync = false
	if err := h.d.SendToDevices(context.Background(), pubkey.NewSet(testDevice(1)), msg); err == nil {
		t.Fatal("stage error not returned")
	}
}

func TestRecoverOnStartupAfterRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dispatch.db")
	d1, d2 := testDevice(1), testDevice(2)

	// First process: no sessions, so everything stays staged.
	st, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	d, err := New(Config{
		Store:     st,
		Sessions:  newFakeSessions(),
		Transport: newFakeTransport(),
		Directory: &fakeDirectory{},
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"a", "b"} {
		msg := testMessage(id)
		msg.Sync = false
		if err := d.SendToDevices(ctx, pubkey.NewSet(d1, d2), msg); err != nil {
			t.Fatal(err)
		}
	}
	d.Close()
	st.Close()

	// Second process.
	st, err = store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	staged, err := st.StagedDevices(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(staged, []pubkey.DeviceID{d1, d2}) {
		t.Fatalf("staged devices after restart = %v", staged)
	}

	tr := newFakeTransport()
	d, err = New(Config{
		Store:     st,
		Sessions:  newFakeSessions(d1, d2),
		Transport: tr,
		Directory: &fakeDirectory{},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	if err := d.RecoverOnStartup(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "recovered deliveries", func() bool {
		n, _ := st.PendingCount(ctx)
		return n == 0
	})
	for _, dev := range []pubkey.DeviceID{d1, d2} {
		tr.mu.Lock()
		var ids []string
		for _, dl := range tr.delivered {
			if dl.device == dev {
				ids = append(ids, dl.id)
			}
		}
		tr.mu.Unlock()
		if !slices.Equal(ids, []string{"a", "b"}) {
			t.Errorf("%s got %v, want [a b]", dev.Short(), ids)
		}
	}
}

// Nothing bounds staging for a device that never becomes reachable. This
// pins that behaviour rather than fixing it.
func TestUnreachableDeviceAccumulates(t *testing.T) {
	h := newHarness(t)
	d1 := testDevice(1)
	ctx := context.Background()

	const n = 500
	for i := range n {
		msg := outgoing.NewReceipt([]byte{byte(i)})
		if err := h.d.SendToDevices(ctx, pubkey.NewSet(d1), msg); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(h.store.ids(d1)); got != n {
		t.Errorf("staged = %d, want %d", got, n)
	}
	if got := h.sessions.requestCount(d1); got != n {
		t.Errorf("session requests = %d, want %d", got, n)
	}
	if len(h.tr.startedIDs()) != 0 {
		t.Error("nothing should be attempted without a session")
	}
}

func TestDrainAll(t *testing.T) {
	h := newHarness(t)
	d1, d2 := testDevice(1), testDevice(2)
	ctx := context.Background()
	h.store.Stage(ctx, d1, testMessage("a"))
	h.store.Stage(ctx, d2, testMessage("b"))
	h.sessions.establish(d1)

	if err := h.d.DrainAll(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "d1 drained", func() bool { return len(h.store.ids(d1)) == 0 })
	if h.sessions.requestCount(d2) != 1 {
		t.Error("d2 should have requested a session")
	}
	if got := h.store.ids(d2); !slices.Equal(got, []string{"b"}) {
		t.Errorf("d2 staged = %v", got)
	}
}

func TestProcessPendingAfterClose(t *testing.T) {
	h := newHarness(t)
	d1 := testDevice(1)
	h.sessions.establish(d1)
	h.store.Stage(context.Background(), d1, testMessage("a"))

	h.d.Close()
	if err := h.d.ProcessPending(context.Background(), d1); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestCloseCancelsHungDelivery(t *testing.T) {
	h := newHarness(t)
	d1 := testDevice(1)
	h.sessions.establish(d1)
	h.tr.gate("a") // never released

	msg := testMessage("a")
	msg.Sync = false
	if err := h.d.SendToDevices(context.Background(), pubkey.NewSet(d1), msg); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "delivery to start", func() bool { return len(h.tr.startedIDs()) == 1 })

	done := make(chan struct{})
	go func() {
		h.d.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Close blocked on a hung delivery")
	}
	if got := h.store.ids(d1); !slices.Equal(got, []string{"a"}) {
		t.Errorf("staged = %v, want [a]", got)
	}
}
