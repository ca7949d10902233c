package genstream

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepCounterCountsToolUse(t *testing.T) {
	c := NewStepCounter(10)

	transcript := strings.Join([]string{
		`{"type":"system","subtype":"init"}`,
		`{"type":"tool_use","name":"write_file"}`,
		`{"type":"tool_result","ok":true}`,
		`{"type":"tool_use","name":"run_command"}`,
		`{"type":"result","result":"done"}`,
	}, "\n") + "\n"

	require.NoError(t, c.Write([]byte(transcript)))
	assert.Equal(t, 2, c.Steps())

	result, seen := c.Result()
	assert.True(t, seen)
	assert.Equal(t, "done", result)
}

func TestStepCounterAssistantContentBlocks(t *testing.T) {
	c := NewStepCounter(10)

	line := `{"type":"assistant","message":{"model":"gen-1","content":[{"type":"text"},{"type":"tool_use"},{"type":"tool_use"}],"usage":{"input_tokens":100,"output_tokens":40}}}` + "\n"
	require.NoError(t, c.Write([]byte(line)))

	assert.Equal(t, 2, c.Steps())
	model, in, out := c.Usage()
	assert.Equal(t, "gen-1", model)
	assert.Equal(t, 100, in)
	assert.Equal(t, 40, out)
}

func TestStepCounterHandlesSplitChunks(t *testing.T) {
	c := NewStepCounter(10)

	// One event arriving across three chunk boundaries.
	full := `{"type":"tool_use","name":"write_file"}` + "\n"
	require.NoError(t, c.Write([]byte(full[:10])))
	assert.Equal(t, 0, c.Steps())
	require.NoError(t, c.Write([]byte(full[10:25])))
	assert.Equal(t, 0, c.Steps())
	require.NoError(t, c.Write([]byte(full[25:])))
	assert.Equal(t, 1, c.Steps())
}

func TestStepCounterSkipsMalformedLines(t *testing.T) {
	c := NewStepCounter(10)

	transcript := strings.Join([]string{
		`not json at all`,
		`{"type":"tool_use"`,
		`{"type":"tool_use","name":"ok"}`,
		``,
		`{"unknown":"shape"}`,
	}, "\n") + "\n"

	require.NoError(t, c.Write([]byte(transcript)))
	assert.Equal(t, 1, c.Steps())
}

func TestStepCounterBreachesAtLimitPlusOne(t *testing.T) {
	c := NewStepCounter(3)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Write([]byte(`{"type":"tool_use"}`+"\n")))
	}
	assert.Equal(t, 3, c.Steps())

	// The step past the budget is the breach.
	err := c.Write([]byte(`{"type":"tool_use"}` + "\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStepLimitExceeded))
	assert.Equal(t, 4, c.Steps())

	// Breach reported once; later writes still count but do not re-error.
	require.NoError(t, c.Write([]byte(`{"type":"tool_use"}`+"\n")))
	assert.Equal(t, 5, c.Steps())
}

func TestStepCounterNoLimitStillCounts(t *testing.T) {
	c := NewStepCounter(0)
	for i := 0; i < 100; i++ {
		require.NoError(t, c.Write([]byte(`{"type":"tool_use"}`+"\n")))
	}
	assert.Equal(t, 100, c.Steps())
}

func TestStepCounterCollectsFiles(t *testing.T) {
	c := NewStepCounter(10)

	lines := fmt.Sprintf("%s\n%s\n",
		`{"type":"files","files":[{"path":"index.html","content":"<html/>"}]}`,
		`{"type":"files","files":[{"path":"app.js","content":"console.log(1)"}]}`)
	require.NoError(t, c.Write([]byte(lines)))

	files := c.Files()
	require.Len(t, files, 2)
	assert.Equal(t, "index.html", files[0].Path)
	assert.Equal(t, "app.js", files[1].Path)
	assert.Equal(t, 0, c.Steps())
}

func TestStepCounterResultAbsent(t *testing.T) {
	c := NewStepCounter(10)
	require.NoError(t, c.Write([]byte(`{"type":"tool_use"}`+"\n")))
	_, seen := c.Result()
	assert.False(t, seen)
}
