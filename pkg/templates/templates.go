// Package templates produces the CI/CD files pushed into a tenant's
// repository: a GitHub Actions workflow with test, build and deploy
// jobs, a Dockerfile for the stack, and a Helm chart with a values
// file per environment.
package templates

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig"
	"github.com/ghodss/yaml"
	"github.com/pkg/errors"

	"github.com/openluffy/luffy/pkg/tenant"
)

const (
	WorkflowPath = ".github/workflows/luffy.yaml"
	ChartDir     = "deploy"
)

// File is a file to be written into a repository.
type File struct {
	Path    string
	Content []byte
	// Seed files are written only where missing. Once in the
	// repository they are the tenant's, and CI and promotions edit
	// them.
	Seed bool
}

type Options struct {
	// Registry is where CI pushes images, e.g., ghcr.io/acme-org.
	Registry string
	Port     int
}

// ValuesPath is the Helm values file for env, relative to the
// repository root.
func ValuesPath(env tenant.Environment) string {
	return fmt.Sprintf("%s/values-%s.yaml", ChartDir, env)
}

// Image is the image repository CI builds for the tenant.
func Image(t tenant.Tenant, opts Options) string {
	return strings.TrimSuffix(opts.Registry, "/") + "/" + string(t.ID)
}

type stackDefaults struct {
	BaseImage    string
	Install      string
	Test         string
	Build        string
	Run          string
	SetupAction  string
	SetupVersion string
	SetupKey     string
}

var stacks = map[tenant.Stack]stackDefaults{
	tenant.NodeJS: {
		BaseImage:    "node:18-alpine",
		Install:      "npm ci",
		Test:         "npm test",
		Build:        "npm run build --if-present",
		Run:          `["node", "index.js"]`,
		SetupAction:  "actions/setup-node@v3",
		SetupKey:     "node-version",
		SetupVersion: "18",
	},
	tenant.Python: {
		BaseImage:    "python:3.11-slim",
		Install:      "pip install -r requirements.txt",
		Test:         "python -m pytest",
		Build:        "python -m compileall .",
		Run:          `["python", "main.py"]`,
		SetupAction:  "actions/setup-python@v4",
		SetupKey:     "python-version",
		SetupVersion: "3.11",
	},
	tenant.Golang: {
		BaseImage:    "golang:1.21-alpine",
		Install:      "go mod download",
		Test:         "go test ./...",
		Build:        "go build -o /app/server .",
		Run:          `["/app/server"]`,
		SetupAction:  "actions/setup-go@v4",
		SetupKey:     "go-version",
		SetupVersion: "1.21",
	},
}

type data struct {
	Tenant       tenant.Tenant
	Stack        stackDefaults
	Image        string
	Port         int
	Environments []tenant.Environment
	ValuesDev    string
}

// Render produces the full set of files for the tenant, sorted by
// path. The output depends only on its arguments, so pushing it
// twice leaves the repository as it was after the first time.
func Render(t tenant.Tenant, opts Options) ([]File, error) {
	defaults, ok := stacks[t.Stack]
	if !ok {
		return nil, fmt.Errorf("no templates for stack %q", t.Stack)
	}
	if opts.Port == 0 {
		opts.Port = 8080
	}
	d := data{
		Tenant:       t,
		Stack:        defaults,
		Image:        Image(t, opts),
		Port:         opts.Port,
		Environments: t.Environments,
		ValuesDev:    ValuesPath(tenant.Dev),
	}

	var files []File
	for path, text := range fileTemplates {
		content, err := render(path, text, d)
		if err != nil {
			return nil, err
		}
		files = append(files, File{Path: path, Content: content})
	}
	for _, env := range t.Environments {
		content, err := valuesFile(t, env, d.Image)
		if err != nil {
			return nil, err
		}
		files = append(files, File{Path: ValuesPath(env), Content: content, Seed: true})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func render(name, text string, d data) ([]byte, error) {
	// Helm and Actions both use {{ }}, so ours are [[ ]]
	tmpl, err := template.New(name).Delims("[[", "]]").Funcs(sprig.TxtFuncMap()).Parse(text)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing template %s", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, d); err != nil {
		return nil, errors.Wrapf(err, "rendering template %s", name)
	}
	return buf.Bytes(), nil
}

type values struct {
	Environment  string            `json:"environment"`
	ReplicaCount int               `json:"replicaCount"`
	Image        imageValues       `json:"image"`
	Resources    resources         `json:"resources"`
	PodLabels    map[string]string `json:"podLabels"`
}

type imageValues struct {
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
}

type resources struct {
	Requests map[string]string `json:"requests"`
	Limits   map[string]string `json:"limits"`
}

var replicasByEnv = map[tenant.Environment]int{
	tenant.Dev:     1,
	tenant.Preprod: 2,
	tenant.Prod:    3,
}

func valuesFile(t tenant.Tenant, env tenant.Environment, image string) ([]byte, error) {
	v := values{
		Environment:  string(env),
		ReplicaCount: replicasByEnv[env],
		Image:        imageValues{Repository: image, Tag: "latest"},
		Resources: resources{
			Requests: map[string]string{"cpu": "100m", "memory": "128Mi"},
			Limits:   map[string]string{"cpu": "500m", "memory": "512Mi"},
		},
		PodLabels: map[string]string{
			"luffy.io/tenant":      string(t.ID),
			"luffy.io/environment": string(env),
		},
	}
	return yaml.Marshal(v)
}
