package notify

import "testing"

func TestMulti(t *testing.T) {
	var a, b []Notification
	m := Multi{
		Func(func(n Notification) { a = append(a, n) }),
		nil,
		Func(func(n Notification) { b = append(b, n) }),
	}

	SendFor(m, LevelError, "g1", "Toggle failed", "vendor error 500: boom")

	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("delivered = %d/%d, want 1/1", len(a), len(b))
	}
	if a[0].Target != "g1" || a[0].Level != LevelError || a[0].Time.IsZero() {
		t.Errorf("notification = %+v", a[0])
	}
}

func TestSend_NilNotifier(t *testing.T) {
	// must not panic
	Send(nil, LevelInfo, "t", "m")
}

func TestLogNotifier(t *testing.T) {
	for _, lvl := range []Level{LevelInfo, LevelSuccess, LevelWarning, LevelError} {
		LogNotifier{}.Notify(Notification{Level: lvl, Title: "t", Message: "m"})
	}
}
