package config

import (
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v2"
)

// FromFile reads the YAML config at filePath into cfg. The file is first rendered
// as a text/template with the process environment as data ({{ .HOME }}), then
// $VAR references are expanded. Fields absent from the file keep the values cfg
// already holds, so callers can pre-fill defaults.
func FromFile(filePath string, cfg interface{}) error {
	t, err := template.New("config").Option("missingkey=zero").ParseFiles(filePath)
	if err != nil {
		return fmt.Errorf("fail to parse config template %s: %w", filePath, err)
	}

	rendered := &strings.Builder{}
	if err := t.ExecuteTemplate(rendered, templateName(filePath), environment()); err != nil {
		return fmt.Errorf("fail to render config %s: %w", filePath, err)
	}

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(rendered.String())), cfg); err != nil {
		return fmt.Errorf("fail to decode config %s: %w", filePath, err)
	}
	return nil
}

func environment() map[string]string {
	envMap := make(map[string]string)
	for _, envStr := range os.Environ() {
		key, value, _ := strings.Cut(envStr, "=")
		envMap[key] = value
	}
	return envMap
}

// templateName is the name text/template gives a template parsed from path.
func templateName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}
