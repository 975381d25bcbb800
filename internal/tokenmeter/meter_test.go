package tokenmeter

import (
	"path/filepath"
	"testing"
)

func TestMeterRecordAndAggregate(t *testing.T) {
	dir := t.TempDir()
	m := New(filepath.Join(dir, "usage.jsonl"))

	if err := m.Record(Entry{Workspace: "ws", InvocationType: InvocationUser, SessionKey: "telegram:1", InputTokens: 10, OutputTokens: 5, LLMCalls: 1}); err != nil {
		t.Fatal(err)
	}
	if err := m.Record(Entry{Workspace: "ws", InvocationType: InvocationCron, SessionKey: "cron:ws:job", InputTokens: 3, OutputTokens: 2, LLMCalls: 1}); err != nil {
		t.Fatal(err)
	}

	agg, err := m.Today()
	if err != nil {
		t.Fatal(err)
	}
	if agg.Entries != 2 || agg.TotalTokens != 20 {
		t.Fatalf("agg = %+v", agg)
	}

	sess, err := m.PerSession("telegram:1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Entries != 1 || sess.TotalTokens != 15 {
		t.Fatalf("per-session = %+v", sess)
	}
}
