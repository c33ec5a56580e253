package events

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/bookkeeper/ledgersync/internal/ledger/schema"
)

func TestMulti_FansOut(t *testing.T) {
	var got []string
	m := Multi{
		Func(func(tr Transition) { got = append(got, "a:"+tr.TransactionID) }),
		nil,
		Nop{},
		Func(func(tr Transition) { got = append(got, "b:"+tr.TransactionID) }),
	}

	m.OnTransition(Transition{TransactionID: "x"})

	if strings.Join(got, ",") != "a:x,b:x" {
		t.Errorf("got %v", got)
	}
}

func TestLogSink_WritesFields(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))

	sink.OnTransition(Transition{
		TransactionID: "tx-1",
		From:          schema.StatusSyncing,
		To:            schema.StatusConflict,
		Revision:      3,
		OpID:          "op-9",
		Reason:        "revision mismatch",
	})

	out := buf.String()
	for _, want := range []string{`"level":"warn"`, `"transaction_id":"tx-1"`, `"from":"SYNCING"`, `"to":"CONFLICT"`, `"revision":3`, `"op_id":"op-9"`, `"reason":"revision mismatch"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}

func TestLogSink_ZeroValueLogger(t *testing.T) {
	var s LogSink
	s.OnTransition(Transition{TransactionID: "tx-1", To: schema.StatusSynced})
}

func TestHub_Subscribe(t *testing.T) {
	var got []string
	h := NewHub(Func(func(tr Transition) { got = append(got, "log:"+tr.TransactionID) }))

	unsubscribe := h.Subscribe(Func(func(tr Transition) { got = append(got, "ws:"+tr.TransactionID) }))
	h.OnTransition(Transition{TransactionID: "t1"})

	unsubscribe()
	h.OnTransition(Transition{TransactionID: "t2"})

	want := []string{"log:t1", "ws:t1", "log:t2"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("got %v, want %v", got, want)
	}

	var zero Hub
	zero.OnTransition(Transition{TransactionID: "t3"})
}
