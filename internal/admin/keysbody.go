package admin

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/gin-gonic/gin"
)

// parseKeysBody reads a credential-mutation request body in either of the
// two forms spec.md §4.8 accepts: application/json (`{keys:[...],
// dedupe:bool}`, default dedupe=true) or text/plain (one credential per
// line, CR/LF or LF, trimmed, blanks skipped, always deduped).
func parseKeysBody(c *gin.Context) ([]string, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, err
	}

	ct := c.GetHeader("Content-Type")
	if strings.HasPrefix(ct, "text/plain") {
		return dedupeKeys(splitLines(body)), nil
	}

	var raw struct {
		Keys   []string `json:"keys"`
		Dedupe *bool    `json:"dedupe"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, err
		}
	}
	if raw.Dedupe == nil || *raw.Dedupe {
		return dedupeKeys(raw.Keys), nil
	}
	return raw.Keys, nil
}

// splitLines scans body line by line (bufio.Scanner normalizes both "\n"
// and "\r\n" terminators), trimming whitespace and skipping blank lines.
func splitLines(body []byte) []string {
	var out []string
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

// dedupeKeys removes duplicate entries, preserving first-seen order.
func dedupeKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
