package dispatch

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/avinashbhat/session-desktop/internal/outgoing"
	"github.com/avinashbhat/session-desktop/internal/pubkey"
)

func testDevice(b byte) pubkey.DeviceID {
	return pubkey.MustParse("05" + strings.Repeat(fmt.Sprintf("%02x", b), 32))
}

func testMessage(id string) *outgoing.Message {
	m := outgoing.NewContent([]byte("body " + id))
	m.ID = id
	return m
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

type stageCall struct {
	device pubkey.DeviceID
	id     string
}

// memStore is an in-memory PendingStore.
type memStore struct {
	mu      sync.Mutex
	pending map[pubkey.DeviceID][]*outgoing.Message
	stages  []stageCall
	err     error
}

func newMemStore() *memStore {
	return &memStore{pending: make(map[pubkey.DeviceID][]*outgoing.Message)}
}

func (s *memStore) Stage(_ context.Context, device pubkey.DeviceID, msg *outgoing.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.stages = append(s.stages, stageCall{device, msg.ID})
	for _, m := range s.pending[device] {
		if m.ID == msg.ID {
			return nil
		}
	}
	s.pending[device] = append(s.pending[device], msg)
	return nil
}

func (s *memStore) Drain(_ context.Context, device pubkey.DeviceID) ([]*outgoing.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.pending[device]), nil
}

func (s *memStore) Acknowledge(_ context.Context, device pubkey.DeviceID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[device] = slices.DeleteFunc(s.pending[device], func(m *outgoing.Message) bool { return m.ID == id })
	if len(s.pending[device]) == 0 {
		delete(s.pending, device)
	}
	return nil
}

func (s *memStore) StagedDevices(context.Context) ([]pubkey.DeviceID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pubkey.DeviceID
	for d := range s.pending {
		out = append(out, d)
	}
	slices.Sort(out)
	return out, nil
}

func (s *memStore) ids(device pubkey.DeviceID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.pending[device] {
		out = append(out, m.ID)
	}
	return out
}

func (s *memStore) stagedTo(id string) []pubkey.DeviceID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pubkey.DeviceID
	for _, c := range s.stages {
		if c.id == id {
			out = append(out, c.device)
		}
	}
	slices.Sort(out)
	return out
}

func (s *memStore) stageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stages)
}

type fakeSessions struct {
	mu       sync.Mutex
	ready    map[pubkey.DeviceID]bool
	requests map[pubkey.DeviceID]int
}

func newFakeSessions(ready ...pubkey.DeviceID) *fakeSessions {
	s := &fakeSessions{ready: make(map[pubkey.DeviceID]bool), requests: make(map[pubkey.DeviceID]int)}
	for _, d := range ready {
		s.ready[d] = true
	}
	return s
}

func (s *fakeSessions) HasSession(_ context.Context, d pubkey.DeviceID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready[d], nil
}

func (s *fakeSessions) RequestSessionIfNeeded(_ context.Context, d pubkey.DeviceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[d]++
}

func (s *fakeSessions) establish(d pubkey.DeviceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready[d] = true
}

func (s *fakeSessions) requestCount(d pubkey.DeviceID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[d]
}

type delivery struct {
	device pubkey.DeviceID
	id     string
}

// fakeTransport records deliveries. Messages whose id has a gate block until
// the gate is closed; ids in fail return an error.
type fakeTransport struct {
	mu        sync.Mutex
	delivered []delivery
	started   []delivery
	gates     map[string]chan struct{}
	fail      map[string]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{gates: make(map[string]chan struct{}), fail: make(map[string]error)}
}

func (tr *fakeTransport) gate(id string) chan struct{} {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	ch := make(chan struct{})
	tr.gates[id] = ch
	return ch
}

func (tr *fakeTransport) Deliver(ctx context.Context, device pubkey.DeviceID, msg *outgoing.Message) error {
	tr.mu.Lock()
	tr.started = append(tr.started, delivery{device, msg.ID})
	gate := tr.gates[msg.ID]
	err := tr.fail[msg.ID]
	tr.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	tr.mu.Lock()
	tr.delivered = append(tr.delivered, delivery{device, msg.ID})
	tr.mu.Unlock()
	return nil
}

func (tr *fakeTransport) startedIDs() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var out []string
	for _, d := range tr.started {
		out = append(out, d.id)
	}
	return out
}

func (tr *fakeTransport) deliveredIDs() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var out []string
	for _, d := range tr.delivered {
		out = append(out, d.id)
	}
	return out
}

func (tr *fakeTransport) deliveredTo(id string) []pubkey.DeviceID {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var out []pubkey.DeviceID
	for _, d := range tr.delivered {
		if d.id == id {
			out = append(out, d.device)
		}
	}
	slices.Sort(out)
	return out
}

type fakeOpenGroups struct {
	mu     sync.Mutex
	posted []*outgoing.Message
	err    error
}

func (o *fakeOpenGroups) Post(_ context.Context, msg *outgoing.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.posted = append(o.posted, msg)
	return nil
}

type fakeDirectory struct {
	linked  map[string][]pubkey.DeviceID
	groups  map[string][]pubkey.DeviceID
	own     []pubkey.DeviceID
	err     error
	ownErr  error
	ownHits int
	mu      sync.Mutex
}

func (f *fakeDirectory) LinkedDevices(_ context.Context, userID string) ([]pubkey.DeviceID, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.linked[userID], nil
}

func (f *fakeDirectory) OwnDevices(context.Context) ([]pubkey.DeviceID, error) {
	f.mu.Lock()
	f.ownHits++
	f.mu.Unlock()
	if f.ownErr != nil {
		return nil, f.ownErr
	}
	return f.own, nil
}

func (f *fakeDirectory) GroupMembers(_ context.Context, groupID string) ([]pubkey.DeviceID, error) {
	if f.err != nil {
		return nil, f.err
	}
	members, ok := f.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("unknown group %s", groupID)
	}
	return members, nil
}

type fakeConversations map[string]bool

func (c fakeConversations) IsMediumGroup(_ context.Context, id string) (bool, error) {
	return c[id], nil
}

type harness struct {
	d        *Dispatcher
	store    *memStore
	sessions *fakeSessions
	tr       *fakeTransport
	og       *fakeOpenGroups
	dir      *fakeDirectory
	convs    fakeConversations
	metrics  *Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    newMemStore(),
		sessions: newFakeSessions(),
		tr:       newFakeTransport(),
		og:       &fakeOpenGroups{},
		dir:      &fakeDirectory{linked: map[string][]pubkey.DeviceID{}, groups: map[string][]pubkey.DeviceID{}},
		convs:    fakeConversations{},
		metrics:  NewMetrics(nil),
	}
	d, err := New(Config{
		Store:         h.store,
		Sessions:      h.sessions,
		Transport:     h.tr,
		OpenGroups:    h.og,
		Directory:     h.dir,
		Conversations: h.convs,
		Metrics:       h.metrics,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.d = d
	t.Cleanup(func() { d.Close() })
	return h
}
