// Package generator renders service unit definitions from layered configuration.
package generator

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/google/renameio/v2"

	"github.com/core-tools/hsu-platform/pkg/errors"
	"github.com/core-tools/hsu-platform/pkg/logging"
	"github.com/core-tools/hsu-platform/pkg/systemd"
)

//go:embed templates/*.tmpl
var embeddedTemplates embed.FS

const baseTemplate = "base"

// requiredFields must be present and non-empty on every service entry.
var requiredFields = []string{"name", "description", "exec_start"}

type Options struct {
	ConfigDirectory string
	// TemplateDirectory holds <category>.service.tmpl files. Empty selects
	// the built-in templates.
	TemplateDirectory string
	OutputDirectory   string
	Environment       string
	UnitPrefix        string
}

// Renderer turns service configuration into unit files.
type Renderer struct {
	options Options
	logger  logging.Logger
}

func NewRenderer(options Options, logger logging.Logger) *Renderer {
	return &Renderer{options: options, logger: logger}
}

// ServiceIDs lists declared services in sorted order.
func (r *Renderer) ServiceIDs() ([]string, error) {
	layers, err := LoadLayers(r.options.ConfigDirectory, r.options.Environment)
	if err != nil {
		return nil, err
	}
	return sortedIDs(layers), nil
}

// Context builds the merged template context for one service.
func (r *Renderer) Context(serviceID string) (map[string]interface{}, error) {
	layers, err := LoadLayers(r.options.ConfigDirectory, r.options.Environment)
	if err != nil {
		return nil, err
	}
	return r.buildContext(layers, serviceID)
}

// Generate renders one service and returns the written file path.
func (r *Renderer) Generate(serviceID string) (string, error) {
	layers, err := LoadLayers(r.options.ConfigDirectory, r.options.Environment)
	if err != nil {
		return "", err
	}
	return r.generate(layers, serviceID)
}

// GenerateAll renders every declared service. Failures do not stop the
// remaining services; the returned paths cover every service that
// succeeded, and the error names every one that failed.
func (r *Renderer) GenerateAll() ([]string, error) {
	layers, err := LoadLayers(r.options.ConfigDirectory, r.options.Environment)
	if err != nil {
		return nil, err
	}

	genErr := errors.NewGeneratorError()
	var paths []string
	for _, id := range sortedIDs(layers) {
		path, err := r.generate(layers, id)
		if err != nil {
			r.logger.Errorf("Failed to generate unit, service: %s, error: %v", id, err)
			genErr.Add(id, err)
			continue
		}
		paths = append(paths, path)
	}

	r.logger.Infof("Generated %d unit file(s), failed: %d", len(paths), len(genErr.Failures))
	return paths, genErr.ToError()
}

func (r *Renderer) generate(layers *Layers, serviceID string) (string, error) {
	ctx, err := r.buildContext(layers, serviceID)
	if err != nil {
		return "", err
	}

	category, _ := ctx["category"].(string)
	tmpl, err := r.resolveTemplate(category)
	if err != nil {
		return "", errors.NewTemplateError("template lookup failed", err).WithContext("service", serviceID)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", errors.NewTemplateError("template rendering failed", err).WithContext("service", serviceID)
	}

	if err := os.MkdirAll(r.options.OutputDirectory, 0o755); err != nil {
		return "", errors.NewIOError("failed to create output directory", err).WithContext("dir", r.options.OutputDirectory)
	}

	unitName, _ := ctx["unit_name"].(string)
	path := filepath.Join(r.options.OutputDirectory, systemd.UnitFileName(unitName))
	if err := renameio.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", errors.NewIOError("failed to write unit file", err).WithContext("path", path)
	}

	r.logger.Infof("Generated unit file, service: %s, path: %s", serviceID, path)
	return path, nil
}

func (r *Renderer) buildContext(layers *Layers, serviceID string) (map[string]interface{}, error) {
	entry, ok := layers.Services[serviceID]
	if !ok {
		return nil, errors.NewConfigurationError("service not declared in services configuration", nil).
			WithContext("service", serviceID)
	}

	for _, field := range requiredFields {
		value, present := entry[field]
		if !present || value == nil || strings.TrimSpace(fmt.Sprint(value)) == "" {
			return nil, errors.NewConfigurationError("required field missing or empty: "+field, nil).
				WithContext("service", serviceID).WithContext("field", field)
		}
	}

	merged := DeepMerge(DeepMerge(layers.Global, layers.Environment), entry)
	merged["service_id"] = serviceID
	merged["environment_name"] = r.options.Environment
	merged["unit_name"] = systemd.UnitName(r.options.UnitPrefix, serviceID)
	return merged, nil
}

// resolveTemplate looks up <category>.service.tmpl, then base.service.tmpl.
func (r *Renderer) resolveTemplate(category string) (*template.Template, error) {
	candidates := []string{baseTemplate}
	if category != "" && category != baseTemplate {
		candidates = []string{category, baseTemplate}
	}

	var lastErr error
	for _, name := range candidates {
		file := name + ".service.tmpl"
		var data []byte
		var err error
		if r.options.TemplateDirectory == "" {
			data, err = embeddedTemplates.ReadFile("templates/" + file)
		} else {
			data, err = os.ReadFile(filepath.Join(r.options.TemplateDirectory, file))
		}
		if err != nil {
			lastErr = err
			continue
		}

		tmpl, err := template.New(file).Funcs(templateFuncs).Parse(string(data))
		if err != nil {
			return nil, err
		}
		if name != category && category != "" {
			r.logger.Debugf("No template for category %s, using %s", category, file)
		}
		return tmpl, nil
	}
	return nil, lastErr
}

var templateFuncs = template.FuncMap{
	"join": func(v interface{}) string {
		switch list := v.(type) {
		case []interface{}:
			parts := make([]string, 0, len(list))
			for _, item := range list {
				parts = append(parts, fmt.Sprint(item))
			}
			return strings.Join(parts, " ")
		case []string:
			return strings.Join(list, " ")
		}
		return fmt.Sprint(v)
	},
	"default": func(def interface{}, v interface{}) interface{} {
		if v == nil || fmt.Sprint(v) == "" {
			return def
		}
		return v
	},
}

func sortedIDs(layers *Layers) []string {
	ids := make([]string, 0, len(layers.Services))
	for id := range layers.Services {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
