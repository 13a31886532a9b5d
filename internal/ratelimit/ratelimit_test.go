package ratelimit

import "testing"

func TestAllow_DisabledWhenRPMZero(t *testing.T) {
	l := New()
	defer l.Close()

	for i := 0; i < 100; i++ {
		if ok, _ := l.Allow("p1", 0); !ok {
			t.Fatal("expected unlimited requests when rpm is 0")
		}
	}
}

func TestAllow_BoundsRequestsPerMinute(t *testing.T) {
	l := New()
	defer l.Close()

	allowed := 0
	for i := 0; i < 10; i++ {
		if ok, retry := l.Allow("p1", 5); ok {
			allowed++
		} else if retry != 60 {
			t.Errorf("expected retry_after=60, got %d", retry)
		}
	}
	if allowed > 5 {
		t.Errorf("expected at most burst=5 requests to pass instantly, got %d", allowed)
	}
}

func TestAllow_IsolatedPerProxy(t *testing.T) {
	l := New()
	defer l.Close()

	for i := 0; i < 3; i++ {
		l.Allow("p1", 3)
	}
	if ok, _ := l.Allow("p2", 3); !ok {
		t.Fatal("expected p2's bucket to be independent of p1's")
	}
}

func TestReset_ClearsBucket(t *testing.T) {
	l := New()
	defer l.Close()

	for i := 0; i < 3; i++ {
		l.Allow("p1", 3)
	}
	l.Reset("p1")
	if ok, _ := l.Allow("p1", 3); !ok {
		t.Fatal("expected reset bucket to allow requests again")
	}
}
