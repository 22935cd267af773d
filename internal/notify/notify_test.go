package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mutemebot/internal/eventbus"
	kit "mutemebot/internal/transport"
	logx "mutemebot/pkg/logx"
)

type fakeAdapter struct {
	mu        sync.Mutex
	muteErrs  []error
	muteCalls int
	sendCalls int
	sendErr   error
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                         { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	return kit.MessageRef{ChatID: to.ChatID, MessageID: f.sendCalls}, f.sendErr
}

func (f *fakeAdapter) Mute(ctx context.Context, chatID, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muteCalls++
	if len(f.muteErrs) == 0 {
		return nil
	}
	err := f.muteErrs[0]
	f.muteErrs = f.muteErrs[1:]
	return err
}

func testConfig() Config {
	return Config{
		RatePerSec:    100,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}
}

func TestMuteSendsConfirmation(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	s := New(testConfig(), ad, logx.Nop(), nil)

	if err := s.Mute(context.Background(), 1, 2, "ABCD"); err != nil {
		t.Fatalf("Mute: %v", err)
	}
	if ad.muteCalls != 1 || ad.sendCalls != 1 {
		t.Fatalf("mute=%d send=%d, want 1/1", ad.muteCalls, ad.sendCalls)
	}
}

func TestMuteRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{muteErrs: []error{errors.New("boom"), errors.New("boom")}}
	s := New(testConfig(), ad, logx.Nop(), nil)

	if err := s.Mute(context.Background(), 1, 2, "ABCD"); err != nil {
		t.Fatalf("Mute: %v", err)
	}
	if ad.muteCalls != 3 {
		t.Fatalf("muteCalls = %d, want 3", ad.muteCalls)
	}
}

func TestMuteGivesUpAfterRetries(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	ad := &fakeAdapter{muteErrs: []error{boom, boom, boom}}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	s := New(testConfig(), ad, logx.Nop(), bus)
	err := s.Mute(context.Background(), 1, 2, "ABCD")
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
	if ad.sendCalls != 0 {
		t.Fatalf("confirmation sent despite mute failure")
	}

	select {
	case e := <-ch:
		if e.Type != "notify.failed" {
			t.Fatalf("event type = %q, want notify.failed", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no failure event published")
	}
}

func TestConfirmationFailureIsSwallowed(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{sendErr: errors.New("chat gone")}
	s := New(testConfig(), ad, logx.Nop(), nil)

	if err := s.Mute(context.Background(), 1, 2, "ABCD"); err != nil {
		t.Fatalf("Mute: %v", err)
	}
}
