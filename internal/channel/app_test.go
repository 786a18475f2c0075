package channel

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/models"
)

type fakePublisher struct {
	owner   string
	payload []byte
	err     error
}

func (f *fakePublisher) Publish(ctx context.Context, owner string, payload []byte) error {
	f.owner = owner
	f.payload = payload
	return f.err
}

func TestAppSender_Send(t *testing.T) {
	pub := &fakePublisher{}
	s := NewAppSender(pub)
	sentAt := time.Date(2024, 1, 15, 8, 0, 3, 0, time.UTC)
	s.now = func() time.Time { return sentAt }

	r := testReminder(models.ChannelApp)
	r.RelatedGoal = "goal-1"
	if err := s.Send(context.Background(), r); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if pub.owner != "owner-1" {
		t.Errorf("owner = %q", pub.owner)
	}

	n, err := DecodeAppNotification(pub.payload)
	if err != nil {
		t.Fatalf("DecodeAppNotification failed: %v", err)
	}
	if n.ReminderID != "rem_1" || n.Message != "stretch" || n.RelatedGoal != "goal-1" {
		t.Errorf("notification = %+v", n)
	}
	if !n.FireAt.Equal(r.NextFireAt) || !n.SentAt.Equal(sentAt) {
		t.Errorf("times = %v / %v", n.FireAt, n.SentAt)
	}
}

func TestAppSender_PublishErrorIsTransient(t *testing.T) {
	s := NewAppSender(&fakePublisher{err: errors.New("redis down")})
	err := s.Send(context.Background(), testReminder(models.ChannelApp))
	if err == nil {
		t.Fatal("expected an error")
	}
	if IsPermanent(err) {
		t.Error("publish failure should be transient")
	}
}

func TestRedisPublisher_Inbox(t *testing.T) {
	addr := os.Getenv("REMINDERPIPE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("REMINDERPIPE_TEST_REDIS_ADDR not set; skipping Redis integration test")
	}
	ctx := context.Background()
	pub := NewRedisPublisher(addr, "", 0)
	defer pub.Close()
	if err := pub.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	owner := "test-owner-" + time.Now().Format("150405.000000")
	defer pub.client.Del(ctx, AppInboxKey(owner))

	s := NewAppSender(pub)
	for i := 0; i < 3; i++ {
		if err := s.Send(ctx, models.Reminder{ID: "rem_x", Owner: owner, Message: "hello", NextFireAt: time.Now()}); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}
	inbox, err := pub.Inbox(ctx, owner)
	if err != nil {
		t.Fatalf("Inbox failed: %v", err)
	}
	if len(inbox) != 3 {
		t.Errorf("inbox size = %d, want 3", len(inbox))
	}
}
