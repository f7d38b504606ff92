package dedup

import (
	"testing"
	"time"
)

func TestAttach_FirstIsInitiatorRestAreSubscribers(t *testing.T) {
	b := New(nil)

	sess1, role1 := b.Attach("fp1", nil)
	sess2, role2 := b.Attach("fp1", nil)

	if role1 != Initiator {
		t.Errorf("first attach role = %v, want Initiator", role1)
	}
	if role2 != SubscriberRole {
		t.Errorf("second attach role = %v, want SubscriberRole", role2)
	}
	if sess1 != sess2 {
		t.Error("both attaches should share the same session")
	}
}

func TestPublishAndSubscribeOrdering(t *testing.T) {
	b := New(nil)
	sess, _ := b.Attach("fp2", nil)

	sess.Publish(Frame{Event: "content_block_delta", Data: []byte("a")})

	sub, ok := sess.Subscribe()
	if !ok {
		t.Fatal("subscribe rejected")
	}

	sess.Publish(Frame{Event: "content_block_delta", Data: []byte("b")})
	b.Complete(sess)

	var got []string
	for f := range sub.Frames() {
		got = append(got, string(f.Data))
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("frames = %v, want [a b]", got)
	}
	if sub.Delivered() != 2 {
		t.Errorf("delivered = %d, want 2", sub.Delivered())
	}
}

func TestFail_SubscriberSeesZeroDeliveredCanRetry(t *testing.T) {
	b := New(nil)
	sess, _ := b.Attach("fp3", nil)
	sub, _ := sess.Subscribe()

	b.Fail(sess, errTest{"upstream exploded"})

	for range sub.Frames() {
		t.Fatal("expected no frames before failure")
	}
	if sub.Delivered() != 0 {
		t.Errorf("delivered = %d, want 0 (safe to retry fresh)", sub.Delivered())
	}
	state, err := sess.State()
	if state != Failed || err == nil {
		t.Errorf("state = %v err = %v", state, err)
	}
}

func TestDetach_LastSubscriberTriggersOnIdle(t *testing.T) {
	idled := make(chan struct{}, 1)
	b := New(nil)
	sess, _ := b.Attach("fp4", func() { idled <- struct{}{} })

	sub, _ := sess.Subscribe()
	sess.Detach(sub)

	select {
	case <-idled:
	case <-time.After(time.Second):
		t.Fatal("onIdle should fire once the last subscriber detaches")
	}
}

func TestSessionDiscoverableAfterSingleflightWindowCloses(t *testing.T) {
	b := New(nil)
	sess, role := b.Attach("fp5", nil)
	if role != Initiator {
		t.Fatalf("role = %v", role)
	}

	// A late joiner arriving after the creating Attach() call has already
	// returned must still become a subscriber of the same session.
	late, role2 := b.Attach("fp5", nil)
	if role2 != SubscriberRole || late != sess {
		t.Errorf("late joiner did not share the session: role=%v same=%v", role2, late == sess)
	}
}

type errTest struct{ msg string }

func (e errTest) Error() string { return e.msg }
