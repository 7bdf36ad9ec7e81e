package collective

import (
	"context"
	"testing"
)

func TestSerialBcastIsIdentity(t *testing.T) {
	var s Serial
	got, err := s.Bcast(context.Background(), 0, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "payload" {
		t.Fatalf("got %q", got)
	}
}

func TestSerialBcastRejectsNonZeroRoot(t *testing.T) {
	var s Serial
	if _, err := s.Bcast(context.Background(), 1, []byte("x")); err == nil {
		t.Fatal("expected error for non-zero root in Serial")
	}
}

func TestLocalLockingExclusion(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocking()
	token, err := l.Create(ctx, "ranks")
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Lock(ctx, token); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		if err := l.Lock(ctx, token); err != nil {
			t.Error(err)
		}
		close(done)
		l.Unlock(ctx, token)
	}()
	select {
	case <-done:
		t.Fatal("second Lock should have blocked while first is held")
	default:
	}
	if err := l.Unlock(ctx, token); err != nil {
		t.Fatal(err)
	}
	<-done
}
