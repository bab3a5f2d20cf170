package gateway

import (
	"testing"
	"time"
)

func TestFlightGroup_single_owner(t *testing.T) {
	g := newFlightGroup()

	owner, _ := g.begin(ContentID("123"))
	if !owner {
		t.Fatal("first caller should own the flight")
	}

	owner2, wait := g.begin(ContentID("123"))
	if owner2 {
		t.Fatal("second caller must not own an in-flight id")
	}

	select {
	case <-wait:
		t.Fatal("wait channel closed before done")
	default:
	}

	g.done(ContentID("123"))
	select {
	case <-wait:
	case <-time.After(time.Second):
		t.Fatal("wait channel not closed by done")
	}
}

func TestFlightGroup_ids_are_independent(t *testing.T) {
	g := newFlightGroup()

	if owner, _ := g.begin(ContentID("a")); !owner {
		t.Error("expected ownership of id a")
	}
	if owner, _ := g.begin(ContentID("b")); !owner {
		t.Error("a flight on one id must not block another")
	}
}

func TestFlightGroup_reusable_after_done(t *testing.T) {
	g := newFlightGroup()
	g.begin(ContentID("123"))
	g.done(ContentID("123"))

	if owner, _ := g.begin(ContentID("123")); !owner {
		t.Error("id should be ownable again after done")
	}
}
