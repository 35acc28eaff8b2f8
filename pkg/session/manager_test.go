package session

import (
	"testing"

	"github.com/bitop-dev/agentcore/pkg/ai"
)

func TestEncodeCWD(t *testing.T) {
	cases := []struct {
		cwd  string
		want string
	}{
		{"/home/user/proj", "--home-user-proj--"},
		{"/work", "--work--"},
		{"/a/b/c/", "--a-b-c--"},
	}
	for _, c := range cases {
		if got := EncodeCWD(c.cwd); got != c.want {
			t.Errorf("EncodeCWD(%q) = %q, want %q", c.cwd, got, c.want)
		}
	}
}

func TestManagerListByCWD(t *testing.T) {
	m := NewManager(t.TempDir(), nil)

	s1, err := m.Create("/proj/alpha")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	s1.AppendMessage(ai.NewUserText("first question in alpha"))
	s1.Close()

	s2, _ := m.Create("/proj/alpha")
	s2.AppendMessage(ai.NewUserText("second session"))
	s2.Close()

	s3, _ := m.Create("/proj/beta")
	s3.AppendMessage(ai.NewUserText("beta work"))
	s3.Close()

	alpha, err := m.List("/proj/alpha")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(alpha) != 2 {
		t.Fatalf("alpha sessions = %d, want 2", len(alpha))
	}
	for _, info := range alpha {
		if info.CWD != "/proj/alpha" {
			t.Errorf("CWD = %q, want /proj/alpha", info.CWD)
		}
	}

	all, err := m.ListAll()
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all sessions = %d, want 3", len(all))
	}
}

func TestManagerListEmpty(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	infos, err := m.List("/nothing/here")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 0 {
		t.Errorf("got %d sessions, want 0", len(infos))
	}
}

func TestManagerOpenByPrefix(t *testing.T) {
	m := NewManager(t.TempDir(), nil)

	s, err := m.Create("/proj/x")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	s.AppendMessage(ai.NewUserText("hi"))
	id := s.ID()
	s.Close()

	opened, err := m.Open("/proj/x", id[:8])
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer opened.Close()
	if opened.ID() != id {
		t.Errorf("opened id = %q, want %q", opened.ID(), id)
	}

	if _, err := m.Open("/proj/x", "zzzzzzzz"); err == nil {
		t.Error("expected error for unknown prefix")
	}
}

func TestInfoFirstMessage(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	s, _ := m.Create("/proj/y")
	s.AppendMessage(ai.NewUserText("summarize the build failure"))
	s.Close()

	infos, _ := m.List("/proj/y")
	if len(infos) != 1 {
		t.Fatalf("got %d sessions", len(infos))
	}
	if infos[0].FirstMessage != "summarize the build failure" {
		t.Errorf("FirstMessage = %q", infos[0].FirstMessage)
	}
	if infos[0].MessageCount != 1 {
		t.Errorf("MessageCount = %d", infos[0].MessageCount)
	}
}
