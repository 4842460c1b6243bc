package types_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/snehjoshi/remindq/internal/types"
)

func TestReminderEvent_DedupeKey(t *testing.T) {
	ev := types.NewReminderEvent(types.ResourceTask, "t1", "u1", "Alice", 3, 1000)
	if ev.DedupeKey != "t1:u1:3" {
		t.Errorf("dedupe key: want t1:u1:3, got %s", ev.DedupeKey)
	}
	if ev.Kind != types.KindDeadlineReminder {
		t.Errorf("kind: want %s, got %s", types.KindDeadlineReminder, ev.Kind)
	}
	if !ev.Belongs("t1", "u1") || ev.Belongs("t1", "u2") || ev.Belongs("t2", "u1") {
		t.Error("Belongs matched the wrong pair")
	}
}

func TestEncode_IsDeterministic(t *testing.T) {
	ev := types.NewReminderEvent(types.ResourceTask, "t1", "u1", "Alice", 1, 42)
	a, err := types.Encode(ev)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, err := types.Encode(&ev)
	if err != nil {
		t.Fatalf("Encode pointer: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("payloads differ:\n%s\n%s", a, b)
	}
	want := `{"kind":"deadline_reminder","resourceType":"task","resourceId":"t1","userId":"u1","displayName":"Alice","offsetDays":1,"fireAt":42,"dedupeKey":"t1:u1:1"}`
	if string(a) != want {
		t.Errorf("wire format changed:\n got %s\nwant %s", a, want)
	}
}

func TestEncode_AddedNilRecipientsIsArray(t *testing.T) {
	ev := types.AddedEvent{ResourceType: "project", ResourceID: "p1"}
	data, err := types.Encode(ev)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Contains(data, []byte(`"recipientIds":[]`)) {
		t.Errorf("expected empty recipients array, got %s", data)
	}
	if !bytes.Contains(data, []byte(`"kind":"added"`)) {
		t.Errorf("expected kind to be filled in, got %s", data)
	}
}

func TestDecode_Variants(t *testing.T) {
	rem := types.NewReminderEvent(types.ResourceTask, "t1", "u1", "Alice", 7, 99)
	added := types.NewAddedEvent("project", "p1", "Proj", "desc", []string{"u1", "u2"}, "alice", 5)

	for _, want := range []types.Event{rem, added} {
		data, err := types.Encode(want)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		got, err := types.Decode(data)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got.EventKind() != want.EventKind() || got.Score() != want.Score() {
			t.Errorf("decoded %#v, want %#v", got, want)
		}
	}

	got, _ := types.Decode(mustEncode(t, added))
	a, ok := got.(types.AddedEvent)
	if !ok {
		t.Fatalf("expected AddedEvent, got %T", got)
	}
	if len(a.RecipientIDs) != 2 || a.RecipientIDs[0] != "u1" || a.RecipientIDs[1] != "u2" {
		t.Errorf("recipient order not preserved: %v", a.RecipientIDs)
	}
}

func TestDecode_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":     `{{{`,
		"missing kind": `{"resourceId":"t1"}`,
		"unknown kind": `{"kind":"birthday"}`,
		"wrong types":  `{"kind":"deadline_reminder","offsetDays":"three"}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := types.Decode([]byte(payload))
			if !errors.Is(err, types.ErrMalformed) {
				t.Errorf("want ErrMalformed, got %v", err)
			}
		})
	}
}

func mustEncode(t *testing.T, e types.Event) []byte {
	t.Helper()
	data, err := types.Encode(e)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return data
}
