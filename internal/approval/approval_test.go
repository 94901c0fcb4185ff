package approval

import "testing"

func TestOpenDecide(t *testing.T) {
	tr := New()
	wait, err := tr.Open("run-1", Request{RequestID: "req-1", Prompt: "allow write?"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !tr.IsOpen("run-1") {
		t.Fatalf("expected run-1 to have an open request")
	}
	if err := tr.Decide("run-1", "req-1", true); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	d := <-wait
	if !d.Approved {
		t.Fatalf("expected Approved=true")
	}
	if tr.IsOpen("run-1") {
		t.Fatalf("expected request to be cleared after decision")
	}
}

func TestOpenTwiceRejected(t *testing.T) {
	tr := New()
	if _, err := tr.Open("run-1", Request{RequestID: "req-1"}); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := tr.Open("run-1", Request{RequestID: "req-2"}); err == nil {
		t.Fatalf("expected second Open to fail while one is pending")
	}
}

func TestDecideMismatchedRequestID(t *testing.T) {
	tr := New()
	if _, err := tr.Open("run-1", Request{RequestID: "req-1"}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := tr.Decide("run-1", "wrong-id", true); err == nil {
		t.Fatalf("expected mismatched request_id to be rejected")
	}
	if !tr.IsOpen("run-1") {
		t.Fatalf("request should remain open after a rejected decision")
	}
}

func TestDecideNoOpenRequest(t *testing.T) {
	tr := New()
	if err := tr.Decide("run-1", "req-1", true); err == nil {
		t.Fatalf("expected error when no request is open")
	}
}

func TestCancelOnExit(t *testing.T) {
	tr := New()
	wait, _ := tr.Open("run-1", Request{RequestID: "req-1"})
	tr.Cancel("run-1")
	if tr.IsOpen("run-1") {
		t.Fatalf("expected request to be cleared after cancel")
	}
	if _, ok := <-wait; ok {
		t.Fatalf("expected wait channel to be closed with no value")
	}
}
