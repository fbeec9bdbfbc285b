package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashwden/nostrgate/conversation"
	"github.com/ashwden/nostrgate/cooldown"
	"github.com/ashwden/nostrgate/dispatch"
	"github.com/ashwden/nostrgate/envelope"
	"github.com/ashwden/nostrgate/publish"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"
)

// fakeRelay accepts every publish and records the events it saw.
type fakeRelay struct {
	mu     sync.Mutex
	events []*nostr.Event
	err    error
}

func (f *fakeRelay) Publish(ctx context.Context, url string, evt *nostr.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, evt)
	return nil
}

func (f *fakeRelay) published() []*nostr.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*nostr.Event(nil), f.events...)
}

// fakeGateway counts command invocations.
type fakeGateway struct {
	mu    sync.Mutex
	calls map[string]int
}

func (g *fakeGateway) record(name string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.calls == nil {
		g.calls = make(map[string]int)
	}
	g.calls[name]++
	return name + " ok", nil
}

func (g *fakeGateway) callCount(name string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[name]
}

func (g *fakeGateway) Status(ctx context.Context) (string, error)      { return g.record("status") }
func (g *fakeGateway) CurrentTask(ctx context.Context) (string, error) { return g.record("task") }
func (g *fakeGateway) NewSession(ctx context.Context) (string, error)  { return g.record("session") }
func (g *fakeGateway) Restart(ctx context.Context) (string, error)     { return g.record("restart") }

type fakeSubscriber struct {
	events chan *nostr.Event
}

func (f *fakeSubscriber) SubscribeDMs(ctx context.Context, recipientPub string, since nostr.Timestamp) <-chan *nostr.Event {
	return f.events
}

type fixture struct {
	d       *Daemon
	relay   *fakeRelay
	gw      *fakeGateway
	sub     *fakeSubscriber
	botPub  string
	aliceSK string
	alicePK string
}

func newFixture(t *testing.T, mut func(*Config)) *fixture {
	t.Helper()

	botSK := nostr.GeneratePrivateKey()
	resolver, err := envelope.NewResolver(botSK)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	aliceSK := nostr.GeneratePrivateKey()
	alicePK, err := nostr.GetPublicKey(aliceSK)
	if err != nil {
		t.Fatalf("GetPublicKey: %v", err)
	}

	cfg := Config{
		AllowedSenders:    []string{alicePK},
		AutoReplyTriggers: []string{"hello"},
		AutoReplyText:     "hi there",
	}
	if mut != nil {
		mut(&cfg)
	}

	tracker := conversation.NewTracker(cfg.ConversationWindow, cfg.IdleEviction)
	cooldowns := cooldown.NewRegistry(nil, tracker)
	gw := &fakeGateway{}
	dispatcher := dispatch.New(dispatch.GatewayCommands(gw), cooldowns)

	relay := &fakeRelay{}
	engine := publish.NewEngine([]string{"wss://test"}, relay, publish.Config{
		MaxRetries:  1,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		PenaltyWait: time.Millisecond,
		SendTimeout: time.Second,
	})

	sub := &fakeSubscriber{events: make(chan *nostr.Event, 16)}
	return &fixture{
		d:       New(cfg, resolver, dispatcher, tracker, engine, sub),
		relay:   relay,
		gw:      gw,
		sub:     sub,
		botPub:  resolver.PublicKey(),
		aliceSK: aliceSK,
		alicePK: alicePK,
	}
}

// dm builds a signed kind-4 message from the given sender key to the daemon.
func (f *fixture) dm(t *testing.T, senderSK, text string) *nostr.Event {
	t.Helper()
	ck, err := nip44.GenerateConversationKey(f.botPub, senderSK)
	if err != nil {
		t.Fatalf("GenerateConversationKey: %v", err)
	}
	ct, err := nip44.Encrypt(text, ck)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	evt := &nostr.Event{
		Kind:      envelope.KindDirectMessage,
		CreatedAt: nostr.Now(),
		Content:   ct,
		Tags:      nostr.Tags{{"p", f.botPub}},
	}
	if err := evt.Sign(senderSK); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return evt
}

// decryptAs opens a published reply with the given recipient key.
func (f *fixture) decryptAs(t *testing.T, recipientSK string, evt *nostr.Event) string {
	t.Helper()
	ck, err := nip44.GenerateConversationKey(f.botPub, recipientSK)
	if err != nil {
		t.Fatalf("GenerateConversationKey: %v", err)
	}
	pt, err := nip44.Decrypt(evt.Content, ck)
	if err != nil {
		t.Fatalf("Decrypt reply: %v", err)
	}
	return pt
}

func TestDuplicateEventRepliedOnce(t *testing.T) {
	f := newFixture(t, nil)
	evt := f.dm(t, f.aliceSK, "hello there")

	f.d.handleEvent(context.Background(), evt)
	f.d.handleEvent(context.Background(), evt)

	if got := len(f.relay.published()); got != 1 {
		t.Fatalf("published %d replies, want 1", got)
	}
	st := f.d.Stats()
	if st.TotalReceived != 2 {
		t.Errorf("total received = %d, want 2", st.TotalReceived)
	}
	if st.AutoRepliesSent != 1 {
		t.Errorf("auto replies = %d, want 1", st.AutoRepliesSent)
	}
}

func TestAutoReplyAddressedAndDecryptable(t *testing.T) {
	f := newFixture(t, nil)
	evt := f.dm(t, f.aliceSK, "well hello")

	f.d.handleEvent(context.Background(), evt)

	pub := f.relay.published()
	if len(pub) != 1 {
		t.Fatalf("published %d replies, want 1", len(pub))
	}
	reply := pub[0]
	if got := reply.Tags.Find("p").Value(); got != f.alicePK {
		t.Errorf("reply p tag = %s, want %s", got, f.alicePK)
	}
	if got := reply.Tags.Find("e").Value(); got != evt.ID {
		t.Errorf("reply e tag = %s, want %s", got, evt.ID)
	}
	if got := f.decryptAs(t, f.aliceSK, reply); got != "hi there" {
		t.Errorf("reply text = %q, want %q", got, "hi there")
	}
}

func TestAutoReplySuppressedWhileConversationActive(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.ConversationWindow = 50 * time.Millisecond
	})

	f.d.handleEvent(context.Background(), f.dm(t, f.aliceSK, "hello 1"))
	f.d.handleEvent(context.Background(), f.dm(t, f.aliceSK, "hello 2"))
	if got := len(f.relay.published()); got != 1 {
		t.Fatalf("published %d replies inside window, want 1", got)
	}

	// window lapses; the next trigger opens a fresh conversation
	time.Sleep(60 * time.Millisecond)
	f.d.handleEvent(context.Background(), f.dm(t, f.aliceSK, "hello 3"))
	if got := len(f.relay.published()); got != 2 {
		t.Errorf("published %d replies after window lapsed, want 2", got)
	}
}

func TestCommandTakesPrecedenceOverAutoReply(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.AutoReplyTriggers = []string{"status"}
	})

	f.d.handleEvent(context.Background(), f.dm(t, f.aliceSK, "status please"))

	if got := f.gw.callCount("status"); got != 1 {
		t.Fatalf("status calls = %d, want 1", got)
	}
	st := f.d.Stats()
	if st.CommandsExecuted != 1 {
		t.Errorf("commands executed = %d, want 1", st.CommandsExecuted)
	}
	if st.AutoRepliesSent != 0 {
		t.Errorf("auto replies = %d, want 0", st.AutoRepliesSent)
	}
	pub := f.relay.published()
	if len(pub) != 1 {
		t.Fatalf("published %d replies, want 1", len(pub))
	}
	if got := f.decryptAs(t, f.aliceSK, pub[0]); got != "status ok" {
		t.Errorf("reply text = %q, want %q", got, "status ok")
	}
}

func TestCooldownNoticeNotCountedAsExecuted(t *testing.T) {
	f := newFixture(t, nil)

	f.d.handleEvent(context.Background(), f.dm(t, f.aliceSK, "status"))
	f.d.handleEvent(context.Background(), f.dm(t, f.aliceSK, "status again"))

	if got := f.gw.callCount("status"); got != 1 {
		t.Fatalf("status calls = %d, want 1", got)
	}
	if got := f.d.Stats().CommandsExecuted; got != 1 {
		t.Errorf("commands executed = %d, want 1", got)
	}
	// the blocked sender still gets the cooldown notice as a reply
	if got := len(f.relay.published()); got != 2 {
		t.Errorf("published %d replies, want 2", got)
	}
}

func TestUnlistedSenderIgnoredUnderAllowlistPolicy(t *testing.T) {
	f := newFixture(t, nil)
	mallorySK := nostr.GeneratePrivateKey()

	f.d.handleEvent(context.Background(), f.dm(t, mallorySK, "hello"))
	f.d.handleEvent(context.Background(), f.dm(t, mallorySK, "restart"))

	if got := len(f.relay.published()); got != 0 {
		t.Errorf("published %d replies to unlisted sender, want 0", got)
	}
	if got := f.gw.callCount("restart"); got != 0 {
		t.Errorf("restart calls = %d, want 0", got)
	}
}

func TestPolicyAllRepliesToAnyoneButCommandsStayRestricted(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Policy = PolicyAll
	})
	mallorySK := nostr.GeneratePrivateKey()

	f.d.handleEvent(context.Background(), f.dm(t, mallorySK, "hello"))
	if got := len(f.relay.published()); got != 1 {
		t.Fatalf("published %d auto-replies, want 1", got)
	}

	f.d.handleEvent(context.Background(), f.dm(t, mallorySK, "restart"))
	if got := f.gw.callCount("restart"); got != 0 {
		t.Errorf("restart calls from unlisted sender = %d, want 0", got)
	}
}

func TestPolicyNoneNeverResponds(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Policy = PolicyNone
	})

	f.d.handleEvent(context.Background(), f.dm(t, f.aliceSK, "hello"))
	f.d.handleEvent(context.Background(), f.dm(t, f.aliceSK, "status"))

	if got := len(f.relay.published()); got != 0 {
		t.Errorf("published %d replies under policy none, want 0", got)
	}
	if got := f.gw.callCount("status"); got != 0 {
		t.Errorf("status calls = %d, want 0", got)
	}
}

func TestUndecryptableEventDroppedSilently(t *testing.T) {
	f := newFixture(t, nil)
	evt := &nostr.Event{
		Kind:      envelope.KindDirectMessage,
		CreatedAt: nostr.Now(),
		Content:   "not a ciphertext",
		Tags:      nostr.Tags{{"p", f.botPub}},
	}
	if err := evt.Sign(f.aliceSK); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	f.d.handleEvent(context.Background(), evt)

	if got := len(f.relay.published()); got != 0 {
		t.Errorf("published %d replies for undecryptable event, want 0", got)
	}
	if got := f.d.Stats().DecryptFailures; got != 1 {
		t.Errorf("decrypt failures = %d, want 1", got)
	}
}

func TestFailedPublishLeavesTriggerAnswerable(t *testing.T) {
	f := newFixture(t, nil)
	f.relay.err = errors.New("connection refused")

	evt := f.dm(t, f.aliceSK, "hello")
	f.d.handleEvent(context.Background(), evt)
	if got := f.d.Stats().AutoRepliesSent; got != 0 {
		t.Fatalf("auto replies after failed publish = %d, want 0", got)
	}

	// relay recovers; the same trigger text from a new event still fires
	// because the failed attempt never marked the conversation replied
	f.relay.err = nil
	f.d.handleEvent(context.Background(), f.dm(t, f.aliceSK, "hello again"))
	if got := len(f.relay.published()); got != 1 {
		t.Errorf("published %d replies after recovery, want 1", got)
	}
}

func TestWildcardAllowsEverySender(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.AllowedSenders = []string{"*"}
	})
	mallorySK := nostr.GeneratePrivateKey()

	f.d.handleEvent(context.Background(), f.dm(t, mallorySK, "status"))
	if got := f.gw.callCount("status"); got != 1 {
		t.Errorf("status calls = %d, want 1", got)
	}
}

func TestHousekeepEvictsIdleState(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.IdleEviction = 10 * time.Millisecond
	})

	f.d.handleEvent(context.Background(), f.dm(t, f.aliceSK, "hello"))
	if got := f.d.Stats().ActiveConversations; got != 1 {
		t.Fatalf("active conversations = %d, want 1", got)
	}

	f.d.housekeep(time.Now().Add(time.Minute))
	if got := f.d.Stats().ActiveConversations; got != 0 {
		t.Errorf("active conversations after housekeep = %d, want 0", got)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.d.Run(ctx) }()

	f.sub.events <- f.dm(t, f.aliceSK, "hello")
	deadline := time.After(2 * time.Second)
	for len(f.relay.published()) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for reply")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in   string
		want Policy
	}{
		{"all", PolicyAll},
		{"OPEN", PolicyAll},
		{"none", PolicyNone},
		{"ignore", PolicyNone},
		{"allowlist", PolicyAllowlist},
		{"", PolicyAllowlist},
		{"bogus", PolicyAllowlist},
	}
	for _, tt := range tests {
		if got := ParsePolicy(tt.in); got != tt.want {
			t.Errorf("ParsePolicy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
