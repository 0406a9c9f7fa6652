package config

import (
	"bufio"
	"os"
	"sort"
	"strings"
)

// mergeIntoEnvFile rewrites path with updates merged in: existing lines
// (comments, blank lines, unrelated KEY=VALUE pairs) keep their order and
// content; a key present in updates is replaced in place; a key absent
// from the file is appended at the end. Values containing whitespace or
// `#` are double-quoted so they round-trip through godotenv.
func mergeIntoEnvFile(path string, updates map[string]string) error {
	remaining := make(map[string]string, len(updates))
	for k, v := range updates {
		remaining[k] = v
	}

	var lines []string
	if f, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			key := envLineKey(line)
			if key != "" {
				if v, ok := remaining[key]; ok {
					line = key + "=" + formatEnvValue(v)
					delete(remaining, key)
				}
			}
			lines = append(lines, line)
		}
		f.Close()
	}

	for _, k := range sortedKeys(updates, remaining) {
		if v, ok := remaining[k]; ok {
			lines = append(lines, k+"="+formatEnvValue(v))
		}
	}

	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600)
}

// sortedKeys keeps the appended tail deterministic across calls with the
// same input: keys keyTable() knows come first in its canonical order,
// then any keys keyTable() doesn't know about, sorted by name.
func sortedKeys(updates, remaining map[string]string) []string {
	var out []string
	seen := map[string]bool{}
	for _, k := range keyTable() {
		if _, ok := remaining[k.name]; ok {
			out = append(out, k.name)
			seen[k.name] = true
		}
	}
	var unknown []string
	for k := range updates {
		if !seen[k] {
			if _, ok := remaining[k]; ok {
				unknown = append(unknown, k)
				seen[k] = true
			}
		}
	}
	sort.Strings(unknown)
	return append(out, unknown...)
}

func envLineKey(line string) string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return ""
	}
	idx := strings.Index(trimmed, "=")
	if idx <= 0 {
		return ""
	}
	return strings.TrimSpace(trimmed[:idx])
}

func formatEnvValue(v string) string {
	if strings.ContainsAny(v, " \t#") {
		escaped := strings.ReplaceAll(v, `"`, `\"`)
		return `"` + escaped + `"`
	}
	return v
}
