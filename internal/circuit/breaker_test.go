package circuit

import (
	"errors"
	"testing"
	"time"

	pferrors "github.com/pageflow/pageflow/pkg/errors"
)

func netErr() error {
	return pferrors.New(pferrors.ErrCodeNetworkError, "connection refused")
}

func newTestBreaker(threshold int, openTimeout time.Duration) (*Breaker, *time.Time) {
	b := New(Config{FailureThreshold: threshold, OpenTimeout: openTimeout})
	clock := time.Unix(9000, 0)
	b.now = func() time.Time { return clock }
	return b, &clock
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		if !b.Allow() {
			t.Fatalf("request %d should pass while closed", i)
		}
		b.Record(netErr())
	}
	if b.State() != StateClosed {
		t.Fatal("two failures below threshold must keep the breaker closed")
	}

	b.Allow()
	b.Record(netErr())
	if b.State() != StateOpen {
		t.Fatal("third consecutive failure should open the breaker")
	}
	if b.Allow() {
		t.Error("open breaker must reject requests")
	}
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 10; i++ {
		b.Allow()
		b.Record(netErr())
		b.Allow()
		b.Record(nil)
	}
	if b.State() != StateClosed {
		t.Error("alternating failures never reach the threshold")
	}
}

func TestBackendAnswersDoNotTrip(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)

	for i := 0; i < 5; i++ {
		b.Allow()
		b.Record(pferrors.New(pferrors.ErrCodeNotFound, "missing page"))
		b.Allow()
		b.Record(pferrors.New(pferrors.ErrCodeDecodeError, "corrupt page"))
	}
	if b.State() != StateClosed {
		t.Error("NotFound and DecodeError are answers, not outages")
	}

	if isTransportFailure(errors.New("untyped")) {
		t.Error("untyped errors must not count as transport failures")
	}
}

func TestHalfOpenProbeRecovers(t *testing.T) {
	b, clock := newTestBreaker(1, 30*time.Second)

	b.Allow()
	b.Record(netErr())
	if b.Allow() {
		t.Fatal("breaker should be open")
	}

	*clock = clock.Add(31 * time.Second)
	if !b.Allow() {
		t.Fatal("open timeout elapsed: one probe should pass")
	}
	if b.Allow() {
		t.Error("only one probe may pass while half-open")
	}

	b.Record(nil)
	if b.State() != StateClosed {
		t.Error("successful probe should close the breaker")
	}
	if !b.Allow() {
		t.Error("closed breaker should pass requests again")
	}
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(1, 30*time.Second)

	b.Allow()
	b.Record(netErr())
	*clock = clock.Add(31 * time.Second)
	b.Allow()
	b.Record(netErr())

	if b.Allow() {
		t.Error("failed probe must reopen the breaker")
	}
}

func TestStateChangeCallback(t *testing.T) {
	var transitions []string
	b := New(Config{
		FailureThreshold: 1,
		OpenTimeout:      time.Minute,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	b.Allow()
	b.Record(netErr())

	if len(transitions) != 1 || transitions[0] != "closed->open" {
		t.Errorf("transitions = %v, want [closed->open]", transitions)
	}
}

func TestStats(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)

	b.Allow()
	b.Record(netErr())
	b.Allow() // rejected

	s := b.Stats()
	if s.Requests != 1 || s.Failures != 1 || s.Rejections != 1 {
		t.Errorf("stats = %+v, want requests=1 failures=1 rejections=1", s)
	}
}
