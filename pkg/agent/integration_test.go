package agent_test

import (
	"context"
	"strings"
	"testing"

	"github.com/bitop-dev/agentcore/pkg/agent"
	"github.com/bitop-dev/agentcore/pkg/ai"
	"github.com/bitop-dev/agentcore/pkg/session"
	"github.com/bitop-dev/agentcore/pkg/tools"
)

// Compacting through a live run: seed a session with a long history, attach
// it, and watch the next prompt replace the prefix with a summary entry both
// in memory and on disk.
func TestAgent_CompactsLongHistoryOnPrompt(t *testing.T) {
	dir := t.TempDir()
	sess, err := session.Create(dir, dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	long := strings.Repeat("x", 2000) // ~500 tokens per message
	for i := 0; i < 10; i++ {
		if _, err := sess.AppendMessage(ai.NewUserText(long)); err != nil {
			t.Fatal(err)
		}
		if _, err := sess.AppendMessage(*textMsg(long)); err != nil {
			t.Fatal(err)
		}
	}

	prov := &scriptedProvider{msgs: []*ai.AssistantMessage{textMsg("## Goal\nCompact test.")}}
	ag := agent.New(agent.Options{
		Provider: prov,
		Model:    "test-model",
		Tools:    tools.NewRegistry(),
		Compaction: agent.CompactionConfig{
			Enabled:          true,
			ContextWindow:    2000,
			ReserveTokens:    500,
			KeepRecentTokens: 600,
		},
	})
	if err := ag.AttachSession(sess); err != nil {
		t.Fatal(err)
	}
	before := len(ag.Messages())

	var compactions []agent.Event
	unsub := ag.Subscribe(func(ev agent.Event) {
		if ev.Type == agent.EventCompaction {
			compactions = append(compactions, ev)
		}
	})
	defer unsub()

	if err := ag.Prompt(context.Background(), "continue", agent.Config{}); err != nil {
		t.Fatal(err)
	}

	if len(compactions) != 1 {
		t.Fatalf("got %d compaction events, want 1", len(compactions))
	}
	ev := compactions[0].Compaction
	if ev == nil || ev.MessagesRemoved == 0 || ev.TokensAfter >= ev.TokensBefore {
		t.Errorf("compaction event = %+v", ev)
	}

	msgs := ag.Messages()
	if len(msgs) >= before {
		t.Errorf("history not shrunk: %d -> %d", before, len(msgs))
	}
	first, ok := msgs[0].(ai.UserMessage)
	if !ok || !strings.Contains(first.Content[0].(ai.TextContent).Text, "<summary>") {
		t.Errorf("first message is not the summary: %T", msgs[0])
	}

	entry, ok := sess.LastCompaction()
	if !ok {
		t.Fatal("no compaction entry recorded in the session")
	}
	if !strings.Contains(entry.Summary, "Compact test.") {
		t.Errorf("session summary = %q", entry.Summary)
	}
	if entry.FirstKeptEntryID == "" {
		t.Error("compaction entry missing the first kept entry id")
	}
}

// A reopened session must replay into the same context the agent held, with
// the compaction summary spliced in.
func TestAgent_SessionReplayAfterCompaction(t *testing.T) {
	dir := t.TempDir()
	sess, err := session.Create(dir, dir, nil)
	if err != nil {
		t.Fatal(err)
	}

	long := strings.Repeat("y", 2000)
	for i := 0; i < 10; i++ {
		sess.AppendMessage(ai.NewUserText(long))
		sess.AppendMessage(*textMsg(long))
	}

	prov := &scriptedProvider{msgs: []*ai.AssistantMessage{textMsg("## Goal\nReplay.")}}
	ag := agent.New(agent.Options{
		Provider: prov,
		Model:    "test-model",
		Tools:    tools.NewRegistry(),
		Compaction: agent.CompactionConfig{
			Enabled:          true,
			ContextWindow:    2000,
			ReserveTokens:    500,
			KeepRecentTokens: 600,
		},
	})
	if err := ag.AttachSession(sess); err != nil {
		t.Fatal(err)
	}
	if err := ag.Prompt(context.Background(), "go", agent.Config{}); err != nil {
		t.Fatal(err)
	}
	inMemory := ag.Messages()
	path := sess.FilePath()
	sess.Close()

	reopened, err := session.Load(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	replayed, err := reopened.BuildContext()
	if err != nil {
		t.Fatal(err)
	}
	if len(replayed) != len(inMemory) {
		t.Fatalf("replayed %d messages, agent held %d", len(replayed), len(inMemory))
	}
	first, ok := replayed[0].(ai.UserMessage)
	if !ok || !strings.Contains(first.Content[0].(ai.TextContent).Text, "<summary>") {
		t.Errorf("replay does not start with the summary: %T", replayed[0])
	}
}
