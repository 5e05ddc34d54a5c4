package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/plugbox/internal/protocol"
)

func requestLine(t *testing.T, req protocol.Request) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	return bytes.NewReader(append(data, '\n'))
}

func TestHandleEchoesArgs(t *testing.T) {
	dataDir := t.TempDir()
	req := protocol.Request{
		Protocol: protocol.Version,
		JobID:    "job-1",
		Command:  "run",
		Plugin:   "echo",
		Args:     []json.RawMessage{json.RawMessage(`"hello"`), json.RawMessage(`42`)},
		DataDir:  dataDir,
	}

	resp := handle(requestLine(t, req), &bytes.Buffer{})
	require.Equal(t, "ok", resp.Status, resp.Error)

	var result struct {
		Plugin string            `json:"plugin"`
		Args   []json.RawMessage `json:"args"`
		Runs   int               `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "echo", result.Plugin)
	require.Len(t, result.Args, 2)
	assert.JSONEq(t, `"hello"`, string(result.Args[0]))
	assert.Equal(t, 1, result.Runs)
	require.NotEmpty(t, resp.Logs)
	assert.Contains(t, resp.Logs[len(resp.Logs)-1].Message, "2 argument(s) for job job-1")

	resp = handle(requestLine(t, req), &bytes.Buffer{})
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, 2, result.Runs)

	data, err := os.ReadFile(filepath.Join(dataDir, runsFile))
	require.NoError(t, err)
	assert.Equal(t, "2", strings.TrimSpace(string(data)))
}

func TestHandleControlKeys(t *testing.T) {
	var stderr bytes.Buffer
	req := protocol.Request{
		Protocol: protocol.Version,
		Command:  "run",
		Args:     []json.RawMessage{json.RawMessage(`{"stderr":"noisy","sleep":"1ms","fail":"refused"}`)},
	}

	resp := handle(requestLine(t, req), &stderr)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "refused", resp.Error)
	assert.Equal(t, "noisy\n", stderr.String())
}

func TestHandleRejectsBadRequests(t *testing.T) {
	cases := map[string]string{
		"garbage":      "not json\n",
		"old protocol": `{"protocol":0,"command":"run"}` + "\n",
		"bad command":  `{"protocol":1,"command":"load"}` + "\n",
		"bad sleep":    `{"protocol":1,"command":"run","args":[{"sleep":"soon"}]}` + "\n",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			resp := handle(strings.NewReader(in), &bytes.Buffer{})
			assert.Equal(t, "error", resp.Status)
			assert.NotEmpty(t, resp.Error)
		})
	}
}
