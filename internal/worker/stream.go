package worker

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/Iron-Ham/stagehand/internal/errors"
)

// streamEvent is the subset of the worker's stream-json schema we consume.
type streamEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Message   *struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
	Result       string  `json:"result"`
	NumTurns     int     `json:"num_turns"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	IsError      bool    `json:"is_error"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Name string `json:"name"`
}

// stream accumulates what the worker has reported so far.
type stream struct {
	sessionID  string
	lastText   string
	result     string
	turns      int
	assistants int
	cost       float64
	isError    bool
	subtype    string
	done       bool
	malformed  int
	tools      []string
}

// consume applies one line. Blank lines are ignored; undecodable lines
// return ErrMalformedLine and leave the state untouched.
func (s *stream) consume(line []byte) error {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	var ev streamEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		s.malformed++
		return fmt.Errorf("%w: %v", errors.ErrMalformedLine, err)
	}
	if ev.SessionID != "" {
		s.sessionID = ev.SessionID
	}

	switch ev.Type {
	case "assistant":
		if ev.Message == nil {
			return nil
		}
		s.assistants++
		var texts []string
		for _, b := range ev.Message.Content {
			switch b.Type {
			case "text":
				if b.Text != "" {
					texts = append(texts, b.Text)
				}
			case "tool_use":
				s.tools = append(s.tools, b.Name)
			}
		}
		if len(texts) > 0 {
			s.lastText = strings.Join(texts, "\n")
		}
	case "result":
		s.done = true
		s.result = ev.Result
		s.turns = ev.NumTurns
		s.cost = ev.TotalCostUSD
		s.isError = ev.IsError
		s.subtype = ev.Subtype
	}
	return nil
}

// output returns the final text, falling back to the last assistant text.
func (s *stream) output() string {
	if s.result != "" {
		return s.result
	}
	return s.lastText
}

// turnsUsed prefers the worker's own count.
func (s *stream) turnsUsed() int {
	if s.turns > 0 {
		return s.turns
	}
	return s.assistants
}

// readLine reads one newline-terminated line of at most max bytes. Longer
// lines are discarded up to their terminator and reported with tooLong set.
func readLine(r *bufio.Reader, max int) (line []byte, tooLong bool, err error) {
	var buf []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			if err == io.EOF && len(buf) > 0 {
				return buf, tooLong, nil
			}
			return nil, tooLong, err
		}
		if !tooLong {
			if max > 0 && len(buf)+len(chunk) > max {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if !isPrefix {
			if tooLong {
				return nil, true, nil
			}
			return buf, false, nil
		}
	}
}
