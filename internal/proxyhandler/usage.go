// Package proxyhandler implements the proxy request pipeline: auth, body
// buffering, model extraction, selection, retry-on-429, streaming response
// forwarding and usage extraction.
package proxyhandler

import (
	"bytes"
	"strings"

	"github.com/tidwall/gjson"
)

// Usage is the extracted token-usage record.
type Usage struct {
	Prompt     uint64
	Completion uint64
	Total      uint64
	Found      bool
}

// extractUsageFromJSON pulls a top-level "usage" object out of a JSON blob
// using gjson (cheap field extraction, no full unmarshal), synthesizing
// Total from Prompt+Completion when absent
func extractUsageFromJSON(body []byte) Usage {
	if !bytes.Contains(body, []byte("usage")) {
		return Usage{}
	}
	result := gjson.GetBytes(body, "usage")
	if !result.Exists() {
		return Usage{}
	}
	return usageFromResult(result)
}

func usageFromResult(result gjson.Result) Usage {
	prompt := result.Get("prompt_tokens")
	completion := result.Get("completion_tokens")
	total := result.Get("total_tokens")

	u := Usage{}
	if prompt.Exists() {
		u.Prompt = uint64(prompt.Int())
	}
	if completion.Exists() {
		u.Completion = uint64(completion.Int())
	}
	if total.Exists() {
		u.Total = uint64(total.Int())
		u.Found = true
	} else if prompt.Exists() && completion.Exists() {
		u.Total = u.Prompt + u.Completion
		u.Found = true
	} else if prompt.Exists() || completion.Exists() {
		u.Found = true
	}
	return u
}

// sseUsageParser maintains a UTF-8 line buffer across chunk boundaries and
// extracts the last "usage" block observed in a `data:` line. Errors in
// parsing a given line are silently ignored (best effort); the parser never
// delays forwarded client bytes because callers feed it a copy of the
// already-forwarded chunk.
type sseUsageParser struct {
	buf   bytes.Buffer
	last  Usage
}

// Feed appends chunk to the internal line buffer and processes every
// complete line (terminated by '\n', tolerating a preceding '\r').
func (p *sseUsageParser) Feed(chunk []byte) {
	p.buf.Write(chunk)
	for {
		data := p.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := data[:idx]
		line = bytes.TrimSuffix(line, []byte("\r"))
		p.processLine(line)
		p.buf.Next(idx + 1)
	}
}

func (p *sseUsageParser) processLine(line []byte) {
	const prefix = "data:"
	s := string(line)
	if !strings.HasPrefix(s, prefix) {
		return
	}
	payload := strings.TrimSpace(s[len(prefix):])
	if payload == "" || payload == "[DONE]" {
		return
	}
	if !strings.Contains(payload, "usage") {
		return
	}
	if !gjson.Valid(payload) {
		return
	}
	result := gjson.Get(payload, "usage")
	if !result.Exists() {
		return
	}
	u := usageFromResult(result)
	if u.Found {
		p.last = u
	}
}

// Result returns the last usage block observed, if any.
func (p *sseUsageParser) Result() Usage { return p.last }
