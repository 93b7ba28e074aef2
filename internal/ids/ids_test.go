package ids

import "testing"

func TestNewIsSortableAndValid(t *testing.T) {
	prev := New()
	for i := 0; i < 100; i++ {
		next := New()
		if next <= prev {
			t.Fatalf("ids not monotonic: %s then %s", prev, next)
		}
		if !Valid(next) {
			t.Fatalf("generated id rejected: %s", next)
		}
		prev = next
	}
}

func TestValidRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "   ", "not-an-id", "01J0SEED00000000000000000", "01J0SEED000000000000000P0!"} {
		if Valid(raw) {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
	if !Valid("01J0SEED000000000000000P01") {
		t.Fatal("expected seeded id to be accepted")
	}
}
