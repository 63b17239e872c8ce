// Package cmdline tokenizes a boot command line buffer. Interpreting
// any recognized key is out of scope; this is only the boundary
// tokenizer. The hv CLI has no flag that feeds a buffer to it.
package cmdline

import "strings"

// Parse splits a space-separated "key=value key2=value2" buffer into a
// map. A token with no "=" is stored with an empty value. Repeated
// keys keep the last occurrence.
func Parse(buf string) map[string]string {
	out := make(map[string]string)
	for _, tok := range strings.Fields(buf) {
		k, v, _ := strings.Cut(tok, "=")
		if k == "" {
			continue
		}
		out[k] = v
	}
	return out
}
