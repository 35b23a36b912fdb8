package main

import (
	"fmt"

	"github.com/geofffranks/simpleyaml"
	"github.com/geofffranks/yaml"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/mrsonne/hubit-go/pkg/hubit/model"
)

// namedPath is one entry of a model file's provides_results /
// consumes_input / consumes_results list (spec §6's "list of {name,
// path}"). name is accepted for forward compatibility with a future
// local-name-aware binding layer; the current engine core keys a
// component's Snapshot by the resolved concrete path itself (pkg/hubit/
// worker's Binding.LocalName carries the declared model path, not a
// separate alias), so name is parsed but otherwise unused.
type namedPath struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// modelFileEntry is one component entry of the model file, spec §6.
type modelFileEntry struct {
	Path            string      `yaml:"path"`
	FuncName        string      `yaml:"func_name"`
	ProvidesResults []namedPath `yaml:"provides_results"`
	ConsumesInput   []namedPath `yaml:"consumes_input"`
	ConsumesResults []namedPath `yaml:"consumes_results"`
}

var allowedModelKeys = map[string]bool{
	"path": true, "func_name": true,
	"provides_results": true, "consumes_input": true, "consumes_results": true,
}

// componentID derives the component registry id the plugin loader and
// model.ComponentSpec both key off of, since the model file carries no
// separate id field.
func componentID(e modelFileEntry) string {
	return e.Path + "#" + e.FuncName
}

// loadModelFile parses a model file's bytes into its component
// entries, rejecting unknown top-level keys per spec §6. geofffranks/
// simpleyaml walks the raw document for the key check (geofffranks/
// yaml's Unmarshal, like encoding/yaml generally, silently ignores
// fields it doesn't recognize), then geofffranks/yaml.Unmarshal decodes
// the validated document into typed entries — the same two-step
// validate-then-decode split cmd/graft's parseYAML/mergeOpts use.
func loadModelFile(data []byte) ([]modelFileEntry, error) {
	y, err := simpleyaml.NewYaml(data)
	if err != nil {
		return nil, fmt.Errorf("hubit: parse model file: %w", err)
	}
	raw, err := y.Array()
	if err != nil {
		return nil, fmt.Errorf("hubit: model file root must be a list of component entries: %w", err)
	}
	for i, item := range raw {
		entry, ok := item.(map[interface{}]interface{})
		if !ok {
			return nil, fmt.Errorf("hubit: model file entry %d is not a mapping", i)
		}
		for k := range entry {
			ks, ok := k.(string)
			if !ok || !allowedModelKeys[ks] {
				return nil, fmt.Errorf("hubit: model file entry %d has unknown key %v", i, k)
			}
		}
	}

	var entries []modelFileEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("hubit: decode model file: %w", err)
	}
	return entries, nil
}

// toComponentSpecs builds the model.ComponentSpec slice model.New
// expects. model.ComponentSpec carries a single Provides path; a model
// file entry naming more than one provides_results binding uses its
// first and is otherwise a multi-provider component split across
// several model.New entries sharing one plugin lookup, which is out of
// scope here (see DESIGN.md's open-question resolution).
func toComponentSpecs(entries []modelFileEntry) ([]model.ComponentSpec, error) {
	specs := make([]model.ComponentSpec, 0, len(entries))
	for _, e := range entries {
		if len(e.ProvidesResults) == 0 {
			return nil, fmt.Errorf("hubit: component %q declares no provides_results", componentID(e))
		}
		specs = append(specs, model.ComponentSpec{
			ID:              componentID(e),
			Provides:        e.ProvidesResults[0].Path,
			ConsumesInput:   pathsOf(e.ConsumesInput),
			ConsumesResults: pathsOf(e.ConsumesResults),
		})
	}
	return specs, nil
}

func pathsOf(np []namedPath) []string {
	if len(np) == 0 {
		return nil
	}
	out := make([]string, len(np))
	for i, p := range np {
		out[i] = p.Path
	}
	return out
}

// loadInputFile decodes an input file (spec §6: "arbitrary nested
// mapping/list/scalar structure") with yaml.v3, whose default decode
// target for a mapping node is map[string]interface{} — exactly the
// shape pkg/hubit/store.Flatten and pkg/hubit/ltree.Build expect,
// sparing a geofffranks-style map[interface{}]interface{} conversion
// pass at the model boundary.
func loadInputFile(data []byte) (interface{}, error) {
	var v interface{}
	if err := yamlv3.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("hubit: decode input file: %w", err)
	}
	return v, nil
}
