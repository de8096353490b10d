package session

import (
	"context"
	"testing"

	"github.com/voicedesk/voicedesk/pkg/core/voice"
)

type echoProvider struct{}

func (echoProvider) Name() string { return "echo" }

func (echoProvider) Reply(_ context.Context, _ string, history []voice.Turn) (string, error) {
	return "You said: " + history[len(history)-1].Text, nil
}

func newTestManager() *Manager {
	return NewManager(ManagerConfig{
		AgentFactory: func() *voice.Agent {
			return voice.NewAgent(voice.Config{Providers: []voice.Provider{echoProvider{}}})
		},
	})
}

func TestManagerCreate(t *testing.T) {
	m := newTestManager()
	s, greeting := m.Create("sid-cust", "Demo", "123")
	if s.State() != StateAIActive {
		t.Fatalf("state=%q", s.State())
	}
	if greeting == "" {
		t.Fatal("empty greeting")
	}
	if got, ok := m.Get(s.ID); !ok || got != s {
		t.Fatal("Get() did not return the created session")
	}
	if got, ok := m.ByCustomer("sid-cust"); !ok || got != s {
		t.Fatal("ByCustomer() did not return the created session")
	}
}

func TestManagerCreate_ReplacesLiveSession(t *testing.T) {
	m := newTestManager()
	first, _ := m.Create("sid-cust", "Demo", "123")
	second, _ := m.Create("sid-cust", "Demo", "123")

	if first.State() != StateEnded {
		t.Fatalf("first session state=%q, want ended", first.State())
	}
	if got, _ := m.ByCustomer("sid-cust"); got != second {
		t.Fatal("ByCustomer() should resolve to the new session")
	}
}

func TestManagerProcess(t *testing.T) {
	m := newTestManager()
	s, _ := m.Create("sid-cust", "Demo", "123")

	reply, err := m.Process(context.Background(), s.ID, "where is my order")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if reply.Text != "You said: where is my order" {
		t.Fatalf("reply=%q", reply.Text)
	}

	entries := s.Transcript()
	if len(entries) != 3 {
		t.Fatalf("transcript length=%d, want greeting+user+reply", len(entries))
	}
	if entries[1].Speaker != "customer" || entries[2].Speaker != "agent" {
		t.Fatalf("speakers=%q,%q", entries[1].Speaker, entries[2].Speaker)
	}
}

func TestManagerProcess_UnknownSession(t *testing.T) {
	m := newTestManager()
	if _, err := m.Process(context.Background(), "nope", "hi"); err != ErrUnknownSession {
		t.Fatalf("err=%v, want ErrUnknownSession", err)
	}
}

func TestManagerProcess_RejectedOutsideAIPhase(t *testing.T) {
	m := newTestManager()
	s, _ := m.Create("sid-cust", "Demo", "123")
	if err := s.BeginTransfer("room-1", "escalation"); err != nil {
		t.Fatalf("BeginTransfer() error = %v", err)
	}
	if _, err := m.Process(context.Background(), s.ID, "hello?"); err != ErrNotAIActive {
		t.Fatalf("err=%v, want ErrNotAIActive", err)
	}
}

func TestManagerEnd(t *testing.T) {
	m := newTestManager()
	s, _ := m.Create("sid-cust", "Demo", "123")
	_, _ = m.Process(context.Background(), s.ID, "hello")

	res, performed := m.End(s.ID, EndCustomerHangup)
	if !performed {
		t.Fatal("End() performed = false")
	}
	if res.DurationSeconds < 0 {
		t.Fatalf("duration=%d", res.DurationSeconds)
	}
	if len(res.Entries) != 3 {
		t.Fatalf("entries=%d", len(res.Entries))
	}
	if res.Transcript == "" {
		t.Fatal("empty formatted transcript")
	}

	if _, performed := m.End(s.ID, EndDisconnect); performed {
		t.Fatal("second End() performed = true")
	}
}

func TestManagerRemove(t *testing.T) {
	m := newTestManager()
	s, _ := m.Create("sid-cust", "Demo", "123")

	m.Remove(s.ID)
	if _, ok := m.Get(s.ID); !ok {
		t.Fatal("Remove() dropped a live session")
	}

	m.End(s.ID, EndCustomerHangup)
	m.Remove(s.ID)
	if _, ok := m.Get(s.ID); ok {
		t.Fatal("session still present after removal")
	}
	if _, ok := m.ByCustomer("sid-cust"); ok {
		t.Fatal("customer index still present after removal")
	}
}

func TestManagerActive(t *testing.T) {
	m := newTestManager()
	a, _ := m.Create("sid-a", "A", "1")
	m.Create("sid-b", "B", "2")
	if got := m.Active(); got != 2 {
		t.Fatalf("Active()=%d", got)
	}
	m.End(a.ID, EndCustomerHangup)
	if got := m.Active(); got != 1 {
		t.Fatalf("Active()=%d after end", got)
	}
}
