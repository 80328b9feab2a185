package clusterfile

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path"
	"strings"
	"text/template"

	sprig "github.com/go-task/slim-sprig/v3"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

type ReadOptions struct {
	// Clusterfile parameters
	Params map[string]string
}

type UnmarshalError struct {
	error
	Source string
}

// Read evaluates the clusterfile as a template, then decodes and validates it.
//
// Template actions use [[ ]] delimiters: {{ }} is left untouched for the SGE
// hook commands, which are rendered for every node later on.
func Read(file string, options ReadOptions) (*Clusterfile, error) {
	buf, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	dir := path.Dir(file)
	if !path.IsAbs(dir) {
		dir = path.Join(lo.Must(os.Getwd()), dir)
	}

	source, err := evaluateTemplate(string(buf), dir, options)
	if err != nil {
		return nil, fmt.Errorf("evaluate template: %w", err)
	}

	var clusterfile Clusterfile
	if err = yaml.Unmarshal([]byte(source), &clusterfile); err != nil {
		return nil, UnmarshalError{fmt.Errorf("unmarshal: %w", err), source}
	}
	if err = clusterfile.Validate(); err != nil {
		return nil, UnmarshalError{fmt.Errorf("validate: %w", err), source}
	}

	return &clusterfile, nil
}

type TemplateData struct {
	Env    map[string]string
	Params map[string]string
}

func evaluateTemplate(source string, dir string, options ReadOptions) (string, error) {
	funcs := lo.Assign(sprig.TxtFuncMap(), template.FuncMap{
		"json": func(v any) (string, error) {
			buf, err := json.Marshal(v)
			return string(buf), err
		},
		"lines": func(s string) []string {
			return strings.Split(s, "\n")
		},
		"shell": func(script string) (string, error) {
			return shell(script, dir)
		},
	})

	tmpl, err := template.New("clusterfile").Delims("[[", "]]").Funcs(funcs).Parse(source)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	data := TemplateData{
		Env:    lo.SliceToMap(os.Environ(), func(env string) (key, val string) { key, val, _ = strings.Cut(env, "="); return }),
		Params: lo.Assign(options.Params),
	}

	var output strings.Builder
	if err := tmpl.Execute(&output, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return output.String(), nil
}

func shell(script string, dir string) (string, error) {
	var shell, arg string
	if strings.HasPrefix(script, "#!") {
		shell, script, _ = strings.Cut(script, "\n")
		shell, arg, _ = strings.Cut(strings.TrimPrefix(shell, "#!"), " ")
	} else {
		shell = lo.Must(lo.Coalesce(os.Getenv("SHELL"), "sh"))
	}

	cmd := exec.Command(shell, lo.Ternary(arg != "", []string{arg}, []string{})...)
	cmd.Stdin = strings.NewReader(script)
	cmd.Stderr = os.Stderr
	cmd.Dir = dir

	output, err := cmd.Output()
	return strings.TrimSpace(string(output)), err
}
