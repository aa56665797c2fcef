package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv expands environment variables in YAML content using Go template
// {{.VAR_NAME}} syntax. Plain $ characters pass through untouched, so regex
// patterns, passwords, and shell snippets inside config values survive.
//
// Missing variables expand to the empty string; validation catches required
// fields left empty. Malformed templates return the input unchanged so YAML
// without template syntax always passes through.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("hub.yaml").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}
	return buf.Bytes()
}
