// Command echo is a minimal plugbox plugin. It returns its arguments as the
// job result and writes a marker file into the persistent data directory so
// repeated runs can be told apart.
//
// Arguments that are objects may carry control keys:
//
//	{"fail": "message"}   reply with status error
//	{"sleep": "250ms"}    wait before replying
//	{"stderr": "text"}    write text to stderr
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/plugbox/internal/protocol"
)

const runsFile = "runs"

type control struct {
	Fail   string `json:"fail"`
	Sleep  string `json:"sleep"`
	Stderr string `json:"stderr"`
}

func main() {
	resp := handle(os.Stdin, os.Stderr)
	if err := json.NewEncoder(os.Stdout).Encode(resp); err != nil {
		fmt.Fprintf(os.Stderr, "echo: encode response: %v\n", err)
		os.Exit(1)
	}
}

func handle(in io.Reader, stderr io.Writer) protocol.Response {
	line, err := bufio.NewReader(in).ReadBytes('\n')
	if err != nil && err != io.EOF {
		return errResp("read request: " + err.Error())
	}
	var req protocol.Request
	if err := json.Unmarshal(line, &req); err != nil {
		return errResp("decode request: " + err.Error())
	}
	if req.Protocol != protocol.Version {
		return errResp(fmt.Sprintf("unsupported protocol %d", req.Protocol))
	}
	if req.Command != "run" {
		return errResp("unknown command: " + req.Command)
	}

	var logs []protocol.LogEntry
	for _, raw := range req.Args {
		var c control
		if json.Unmarshal(raw, &c) != nil {
			continue
		}
		if c.Stderr != "" {
			fmt.Fprintln(stderr, c.Stderr)
		}
		if c.Sleep != "" {
			d, err := time.ParseDuration(c.Sleep)
			if err != nil {
				return errResp("invalid sleep: " + err.Error())
			}
			time.Sleep(d)
		}
		if c.Fail != "" {
			return errResp(c.Fail)
		}
	}

	runs := 0
	if req.DataDir != "" {
		runs, err = bumpRuns(req.DataDir)
		if err != nil {
			logs = append(logs, protocol.LogEntry{Level: "warn", Message: "run counter unavailable: " + err.Error()})
		}
	}
	logs = append(logs, protocol.LogEntry{
		Level:   "info",
		Message: fmt.Sprintf("echoing %d argument(s) for job %s", len(req.Args), req.JobID),
	})

	args := req.Args
	if args == nil {
		args = []json.RawMessage{}
	}
	result, err := json.Marshal(map[string]any{
		"plugin": req.Plugin,
		"args":   args,
		"runs":   runs,
	})
	if err != nil {
		return errResp("encode result: " + err.Error())
	}
	return protocol.Response{Status: "ok", Result: result, Logs: logs}
}

// bumpRuns increments the counter kept in dataDir and returns the new value.
func bumpRuns(dataDir string) (int, error) {
	path := filepath.Join(dataDir, runsFile)
	n := 0
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		n, _ = strconv.Atoi(strings.TrimSpace(string(data)))
	case !os.IsNotExist(err):
		return 0, err
	}
	n++
	if err := os.WriteFile(path, []byte(strconv.Itoa(n)+"\n"), 0o644); err != nil {
		return 0, err
	}
	return n, nil
}

func errResp(message string) protocol.Response {
	return protocol.Response{
		Status: "error",
		Error:  message,
		Logs:   []protocol.LogEntry{{Level: "error", Message: message}},
	}
}
