package worker

import (
	"bufio"
	"strings"
	"testing"

	"github.com/Iron-Ham/stagehand/internal/errors"
)

func TestStream_Consume(t *testing.T) {
	lines := []string{
		`{"type":"system","subtype":"init","session_id":"s-1"}`,
		``,
		`garbage`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"a"},{"type":"tool_use","name":"mcp__x__write_file"},{"type":"text","text":"b"}]}}`,
		`{"type":"result","result":"final","num_turns":4,"total_cost_usd":1.5}`,
	}
	st := &stream{}
	var malformed int
	for _, l := range lines {
		if err := st.consume([]byte(l)); err != nil {
			if !errors.Is(err, errors.ErrMalformedLine) {
				t.Fatalf("unexpected error %v", err)
			}
			malformed++
		}
	}
	if malformed != 1 {
		t.Errorf("malformed = %d", malformed)
	}
	if !st.done || st.output() != "final" || st.turnsUsed() != 4 || st.cost != 1.5 {
		t.Errorf("state = %+v", st)
	}
	if st.sessionID != "s-1" {
		t.Errorf("sessionID = %q", st.sessionID)
	}
	if st.lastText != "a\nb" || len(st.tools) != 1 {
		t.Errorf("lastText=%q tools=%v", st.lastText, st.tools)
	}
}

func TestStream_FallbackAndTurns(t *testing.T) {
	st := &stream{}
	_ = st.consume([]byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"one"}]}}`))
	_ = st.consume([]byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"two"}]}}`))
	if st.output() != "two" || st.turnsUsed() != 2 || st.done {
		t.Errorf("state = %+v", st)
	}
}

func TestReadLine(t *testing.T) {
	input := "short\n" + strings.Repeat("y", 100) + "\nlast"
	br := bufio.NewReaderSize(strings.NewReader(input), 16)

	line, tooLong, err := readLine(br, 50)
	if err != nil || tooLong || string(line) != "short" {
		t.Fatalf("first = %q %v %v", line, tooLong, err)
	}
	line, tooLong, err = readLine(br, 50)
	if err != nil || !tooLong || line != nil {
		t.Fatalf("second = %q %v %v", line, tooLong, err)
	}
	line, _, err = readLine(br, 50)
	if err != nil || string(line) != "last" {
		t.Fatalf("third = %q %v", line, err)
	}
	if _, _, err = readLine(br, 50); err == nil {
		t.Error("expected EOF")
	}
}
