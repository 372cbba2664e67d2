package mqtt

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/dokzlo13/fleetd/internal/intent"
	"github.com/dokzlo13/fleetd/internal/notify"
	"github.com/dokzlo13/fleetd/internal/state"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeConn struct {
	mu           sync.Mutex
	connected    bool
	connectErr   error
	published    []published
	subscribed   map[string]pahomqtt.MessageHandler
	disconnected bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{connected: true, subscribed: make(map[string]pahomqtt.MessageHandler)}
}

func (c *fakeConn) Connect() pahomqtt.Token { return doneToken{err: c.connectErr} }
func (c *fakeConn) IsConnected() bool { return c.connected }

func (c *fakeConn) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = p
	case string:
		data = []byte(p)
	}
	c.published = append(c.published, published{topic: topic, retained: retained, payload: data})
	return doneToken{}
}

func (c *fakeConn) Subscribe(topic string, qos byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed[topic] = cb
	return doneToken{}
}

func (c *fakeConn) Disconnect(uint) { c.disconnected = true }

func (c *fakeConn) last() published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.published[len(c.published)-1]
}

type fakeSubmitter struct {
	got []intent.Intent
	err error
}

func (s *fakeSubmitter) Submit(in intent.Intent) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.got = append(s.got, in)
	return "id-1", nil
}

// =============================================================================
// Topics
// =============================================================================

func TestTopics(t *testing.T) {
	topics := Topics{Prefix: "fleetd"}

	tests := []struct {
		got, want string
	}{
		{topics.State("AA:BB:CC"), "fleetd/state/AA:BB:CC"},
		{topics.State("odd/id+#"), "fleetd/state/odd_id__"},
		{topics.Notify(), "fleetd/notify"},
		{topics.Intent(), "fleetd/intent"},
		{topics.Status(), "fleetd/status"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}
}

// =============================================================================
// Bridge
// =============================================================================

func TestConnect_Error(t *testing.T) {
	c := newFakeConn()
	c.connectErr = errors.New("refused")
	b := newBridge(c, "fleetd", 1, &fakeSubmitter{})

	if err := b.Connect(); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestOnConnect_SubscribesAndAnnounces(t *testing.T) {
	c := newFakeConn()
	b := newBridge(c, "fleetd", 1, &fakeSubmitter{})

	b.onConnect()

	if _, ok := c.subscribed["fleetd/intent"]; !ok {
		t.Error("intent topic not subscribed")
	}
	p := c.last()
	if p.topic != "fleetd/status" || string(p.payload) != statusOnline || !p.retained {
		t.Errorf("status publish = %+v, want retained online", p)
	}
}

func TestPublishState(t *testing.T) {
	c := newFakeConn()
	b := newBridge(c, "fleetd", 1, &fakeSubmitter{})

	b.PublishState(state.Change{
		Target: "g1",
		After:  state.ControlState{On: true, Brightness: 40, ColorHex: "#FF0000"},
	})

	p := c.last()
	if p.topic != "fleetd/state/g1" || !p.retained {
		t.Fatalf("publish = %+v, want retained on fleetd/state/g1", p)
	}

	var got map[string]any
	if err := json.Unmarshal(p.payload, &got); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if got["target"] != "g1" || got["on"] != true || got["brightness"] != float64(40) {
		t.Errorf("payload = %v", got)
	}
}

func TestNotify_NotRetained(t *testing.T) {
	c := newFakeConn()
	b := newBridge(c, "fleetd", 1, &fakeSubmitter{})

	b.Notify(notify.Notification{Level: notify.LevelError, Title: "Session expired"})

	p := c.last()
	if p.topic != "fleetd/notify" || p.retained {
		t.Errorf("publish = %+v, want non-retained notify", p)
	}
}

func TestHandleIntent(t *testing.T) {
	tests := []struct {
		name       string
		payload    string
		wantQueued bool
		wantSource string
	}{
		{"valid toggle", `{"kind":"toggle","target":"g1","on":true}`, true, "mqtt"},
		{"source kept", `{"kind":"all_off","source":"automation"}`, true, "automation"},
		{"malformed", `{"kind":`, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{}
			b := newBridge(newFakeConn(), "fleetd", 1, sub)

			b.handleIntent([]byte(tt.payload))

			if queued := len(sub.got) == 1; queued != tt.wantQueued {
				t.Fatalf("queued = %v, want %v", queued, tt.wantQueued)
			}
			if tt.wantQueued && sub.got[0].Source != tt.wantSource {
				t.Errorf("Source = %q, want %q", sub.got[0].Source, tt.wantSource)
			}
		})
	}
}

func TestHandleIntent_IDIgnored(t *testing.T) {
	sub := &fakeSubmitter{}
	b := newBridge(newFakeConn(), "fleetd", 1, sub)

	b.handleIntent([]byte(`{"id":"forged","kind":"reload"}`))

	if len(sub.got) != 1 || sub.got[0].ID != "" {
		t.Errorf("submitted = %+v, want id cleared", sub.got)
	}
}

func TestClose_PublishesOffline(t *testing.T) {
	c := newFakeConn()
	b := newBridge(c, "fleetd", 1, &fakeSubmitter{})

	b.Close()

	p := c.last()
	if p.topic != "fleetd/status" || string(p.payload) != statusOffline {
		t.Errorf("last publish = %+v, want offline status", p)
	}
	if !c.disconnected {
		t.Error("Disconnect() not called")
	}
}
