package uplink

import (
	"strings"
	"testing"
	"time"
)

func TestDialURLIncludesHostCredentials(t *testing.T) {
	c := New("host-1", "tok-secret", "http://server.example", nil, nil, nil)
	got := c.dialURL()
	if !strings.HasPrefix(got, "http://server.example/ws/host?") {
		t.Fatalf("got %q", got)
	}
	if !strings.Contains(got, "host_id=host-1") || !strings.Contains(got, "host_token=tok-secret") {
		t.Fatalf("missing credentials in %q", got)
	}
}

func TestStatusReportsDisconnectedByDefault(t *testing.T) {
	c := New("host-1", "tok-secret", "http://server.example", nil, nil, nil)
	st := c.Status()
	if st.Connected {
		t.Fatalf("expected a freshly constructed client to report disconnected")
	}
	if st.ServerBaseURL != "http://server.example" {
		t.Fatalf("got %q", st.ServerBaseURL)
	}
}

func TestJitterStaysNearInput(t *testing.T) {
	d := 10 * time.Second
	for i := 0; i < 50; i++ {
		got := jitter(d)
		if got < 7*time.Second || got > 13*time.Second {
			t.Fatalf("jitter(%v) = %v, out of expected range", d, got)
		}
	}
}
