package intent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	on := true

	tests := []struct {
		name    string
		in      Intent
		wantErr bool
	}{
		{"toggle", Intent{Kind: KindToggle, Target: "g1"}, false},
		{"toggle without target", Intent{Kind: KindToggle}, true},
		{"color without hex", Intent{Kind: KindColor, Target: "g1"}, true},
		{"segment by name", Intent{Kind: KindSegmentColor, Target: "d1", Hex: "#FF0000", SegmentNames: []string{"Ring"}}, false},
		{"segment without segments", Intent{Kind: KindSegmentColor, Target: "d1", Hex: "#FF0000"}, true},
		{"scene by value", Intent{Kind: KindScene, Target: "g1", Scene: json.RawMessage(`{}`)}, false},
		{"scene by name", Intent{Kind: KindScene, Target: "g1", SceneName: "Aurora"}, false},
		{"scene empty", Intent{Kind: KindScene, Target: "g1"}, true},
		{"visibility", Intent{Kind: KindVisibility, Visible: &on}, false},
		{"visibility missing", Intent{Kind: KindVisibility}, true},
		{"action", Intent{Kind: KindAction, Name: "movie"}, false},
		{"action without name", Intent{Kind: KindAction}, true},
		{"all off", Intent{Kind: KindAllOff}, false},
		{"unknown", Intent{Kind: "dance"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.in.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestQueue_OrderedDelivery(t *testing.T) {
	var mu sync.Mutex
	var got []int
	q := NewQueue(1, 10, func(ctx context.Context, in Intent) {
		mu.Lock()
		got = append(got, in.Value)
		mu.Unlock()
	})

	for i := 1; i <= 5; i++ {
		id, err := q.Submit(Intent{Kind: KindBrightness, Target: "g1", Value: i})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		if id == "" {
			t.Error("Submit() returned empty id")
		}
	}
	q.Close(context.Background())

	mu.Lock()
	defer mu.Unlock()
	want := []int{1, 2, 3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("handled %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("handled %v, want %v", got, want)
			break
		}
	}
}

func TestQueue_Full(t *testing.T) {
	release := make(chan struct{})
	q := NewQueue(1, 1, func(ctx context.Context, in Intent) { <-release })
	defer func() {
		close(release)
		q.Close(context.Background())
	}()

	// first is picked up by the worker, second fills the buffer
	q.Submit(Intent{Kind: KindRefresh})
	time.Sleep(10 * time.Millisecond)
	if _, err := q.Submit(Intent{Kind: KindRefresh}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := q.Submit(Intent{Kind: KindRefresh}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Submit() error = %v, want ErrQueueFull", err)
	}
}

func TestQueue_InvalidAndClosed(t *testing.T) {
	q := NewQueue(1, 1, func(ctx context.Context, in Intent) {})

	if _, err := q.Submit(Intent{Kind: KindToggle}); !errors.Is(err, ErrInvalid) {
		t.Errorf("Submit() error = %v, want ErrInvalid", err)
	}

	q.Close(context.Background())
	q.Close(context.Background())
	if _, err := q.Submit(Intent{Kind: KindRefresh}); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit() error = %v, want ErrClosed", err)
	}
}

func TestQueue_PanicRecovered(t *testing.T) {
	done := make(chan struct{})
	q := NewQueue(1, 2, func(ctx context.Context, in Intent) {
		if in.Target == "boom" {
			panic("handler bug")
		}
		close(done)
	})
	defer q.Close(context.Background())

	q.Submit(Intent{Kind: KindToggle, Target: "boom"})
	q.Submit(Intent{Kind: KindToggle, Target: "ok"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive handler panic")
	}
}

func TestQueue_CloseTimeoutCancelsContext(t *testing.T) {
	cancelled := make(chan struct{})
	q := NewQueue(1, 1, func(ctx context.Context, in Intent) {
		<-ctx.Done()
		close(cancelled)
	})
	q.Submit(Intent{Kind: KindRefresh})
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	q.Close(ctx)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("handler context not cancelled after shutdown timeout")
	}
}
