// Package genstream incrementally parses the line-delimited JSON transcript
// emitted by the code-generation engine, counting tool-invocation steps
// against a budget and collecting the final result and file manifest.
package genstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrStepLimitExceeded is returned from Write once the running step count
// passes the budget. The supervisor treats it as a termination cause.
var ErrStepLimitExceeded = errors.New("STEP_LIMIT_EXCEEDED: generation exceeded tool-invocation budget")

// FileEntry is one file from the engine's manifest.
type FileEntry struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// record is the subset of transcript fields the counter cares about. Lines
// that do not decode into it are not transcript events and are skipped.
type record struct {
	Type    string      `json:"type"`
	Result  string      `json:"result"`
	Files   []FileEntry `json:"files"`
	Message *struct {
		Content []struct {
			Type string `json:"type"`
		} `json:"content"`
		Model string `json:"model"`
		Usage *struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

// StepCounter consumes stdout chunks, buffers partial lines, and counts
// discrete tool invocations. Safe for use from the supervisor's single
// reader goroutine plus concurrent Steps() queries.
type StepCounter struct {
	maxSteps int

	mu       sync.Mutex
	partial  bytes.Buffer
	steps    int
	breached bool

	result      string
	resultSeen  bool
	files       []FileEntry
	model       string
	tokensIn    int
	tokensOut   int
	eventCount  int
	ignoredRows int
}

// NewStepCounter returns a counter enforcing maxSteps. A non-positive limit
// disables enforcement but still counts.
func NewStepCounter(maxSteps int) *StepCounter {
	return &StepCounter{maxSteps: maxSteps}
}

// Write consumes one stdout chunk. It returns ErrStepLimitExceeded (wrapped
// with the observed count) the first time the budget is breached; the caller
// is expected to terminate the process then.
func (c *StepCounter) Write(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.partial.Write(chunk)
	for {
		raw := c.partial.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			return nil
		}
		line := make([]byte, idx)
		copy(line, raw[:idx])
		c.partial.Next(idx + 1)

		c.consumeLine(bytes.TrimSpace(line))
		if c.maxSteps > 0 && c.steps > c.maxSteps && !c.breached {
			c.breached = true
			return fmt.Errorf("%w: %d steps against a budget of %d",
				ErrStepLimitExceeded, c.steps, c.maxSteps)
		}
	}
}

// consumeLine decodes one complete transcript line. Malformed or non-JSON
// lines are ignored; the engine interleaves free-form output with events.
func (c *StepCounter) consumeLine(line []byte) {
	if len(line) == 0 || line[0] != '{' {
		c.ignoredRows++
		return
	}
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		c.ignoredRows++
		return
	}

	switch rec.Type {
	case "tool_use":
		c.eventCount++
		c.steps++
	case "assistant":
		c.eventCount++
		// Assistant turns carry zero or more tool_use content blocks;
		// each block is one invocation.
		if rec.Message != nil {
			for _, block := range rec.Message.Content {
				if block.Type == "tool_use" {
					c.steps++
				}
			}
			if rec.Message.Model != "" {
				c.model = rec.Message.Model
			}
			if rec.Message.Usage != nil {
				c.tokensIn += rec.Message.Usage.InputTokens
				c.tokensOut += rec.Message.Usage.OutputTokens
			}
		}
	case "tool_result", "user", "system":
		// Results do not add steps; the invocation was already counted.
		c.eventCount++
	case "result":
		c.eventCount++
		c.result = rec.Result
		c.resultSeen = true
	case "files":
		c.eventCount++
		c.files = append(c.files, rec.Files...)
	default:
		c.ignoredRows++
	}
}

// Steps returns the current tool-invocation count.
func (c *StepCounter) Steps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.steps
}

// Result returns the final result text and whether a result record arrived.
func (c *StepCounter) Result() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.resultSeen
}

// Files returns the accumulated file manifest.
func (c *StepCounter) Files() []FileEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.files
}

// Usage returns transcript metadata: model name and token totals.
func (c *StepCounter) Usage() (model string, tokensIn, tokensOut int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model, c.tokensIn, c.tokensOut
}
