package logx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const (
	opsMaxLen   = 3500
	opsFieldLen = 600
	opsStackLen = 900
)

// renderOpsLine turns one zerolog JSON line into a compact chat message:
//
//	[WARN] task retry
//	- user=42
//	- err=timeout
func renderOpsLine(p []byte) string {
	raw := bytes.TrimSpace(p)
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return clip(string(raw), opsMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(m[k])
		if k == "stack" {
			b.WriteString("\n- stack=\n" + clip(v, opsStackLen))
			continue
		}
		b.WriteString("\n- " + k + "=" + clip(v, opsFieldLen))
	}
	return clip(b.String(), opsMaxLen)
}

func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
