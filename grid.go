package bystronic

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"text/template"
)

// NewMachineGrid creates machines from an address template and dimensions
// using cartesian product expansion.
//
// The address template uses Go's text/template syntax. Dimension values are
// path-escaped before interpolation. Missing template keys cause an error
// (fail-fast).
//
// Each machine name joins the base name and the dimension values with
// underscores, e.g. "Cutter_A_3" (values ordered by sorted keys), so names
// stay usable as URL path segments.
//
// Labels are automatically added from dimension values. Static labels from
// [WithGridLabels] take precedence over dimension labels on collision.
//
// Example:
//
//	machines, err := bystronic.NewMachineGrid("Cutter",
//	    bystronic.WithAddressTemplate("opc.tcp://cutter-{{.hall}}{{.cell}}.plant.local:56000"),
//	    bystronic.WithDimensions(map[string][]string{
//	        "hall": {"a", "b"},
//	        "cell": {"1", "2"},
//	    }),
//	)
//	// Returns 4 machines, usable with WithMachines(machines...)
func NewMachineGrid(baseName string, opts ...GridOption) ([]Machine, error) {
	if strings.TrimSpace(baseName) == "" {
		return nil, configError("grid base name cannot be empty")
	}

	cfg := &gridConfig{
		staticLabels: make(map[string]string),
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, configError("grid %q: %v", baseName, err)
		}
	}

	if cfg.addressTemplate == "" {
		return nil, configError("grid %q: address template required", baseName)
	}
	if len(cfg.dimensions) == 0 {
		return nil, configError("grid %q: at least one dimension required", baseName)
	}

	// missingkey=error for fail-fast behaviour
	tmpl, err := template.New("address").Option("missingkey=error").Parse(cfg.addressTemplate)
	if err != nil {
		return nil, configError("grid %q: invalid address template: %v", baseName, err)
	}

	combinations := cartesianProduct(cfg.dimensions)
	if len(combinations) == 0 {
		return nil, nil
	}

	machines := make([]Machine, 0, len(combinations))
	for _, combo := range combinations {
		address, err := executeTemplate(tmpl, escapeMap(combo))
		if err != nil {
			return nil, configError("grid %q: template execution failed: %v", baseName, err)
		}

		name := formatMachineName(baseName, combo)

		// dimension labels first, static overrides
		labels := mergeMaps(combo, cfg.staticLabels)

		mOpts := []MachineOption{
			WithLabels(flattenMap(labels)...),
		}
		if cfg.timeout > 0 {
			mOpts = append(mOpts, WithTimeout(cfg.timeout))
		}
		if cfg.interval > 0 {
			mOpts = append(mOpts, WithInterval(cfg.interval))
		}
		if cfg.retryLimit > 0 {
			mOpts = append(mOpts, WithRetryLimit(cfg.retryLimit))
		}

		m, err := NewMachine(name, address, mOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create machine %q: %w", name, err)
		}
		machines = append(machines, m)
	}

	return machines, nil
}

// cartesianProduct generates all combinations of dimension values.
// Keys are sorted alphabetically for deterministic output.
// Values maintain their original slice order.
//
// Example:
//
//	Input:  {"x": ["a","b"], "y": ["1","2"]}
//	Output: [{"x":"a","y":"1"}, {"x":"a","y":"2"}, {"x":"b","y":"1"}, {"x":"b","y":"2"}]
func cartesianProduct(dims map[string][]string) []map[string]string {
	if len(dims) == 0 {
		return nil
	}

	keys := sortedKeys(dims)
	for _, k := range keys {
		if len(dims[k]) == 0 {
			return nil
		}
	}

	total := 1
	for _, k := range keys {
		total *= len(dims[k])
	}
	result := make([]map[string]string, 0, total)

	indices := make([]int, len(keys))
	for {
		combo := make(map[string]string, len(keys))
		for i, k := range keys {
			combo[k] = dims[k][indices[i]]
		}
		result = append(result, combo)

		// increment indices (rightmost first)
		for i := len(keys) - 1; i >= 0; i-- {
			indices[i]++
			if indices[i] < len(dims[keys[i]]) {
				break
			}
			indices[i] = 0
			if i == 0 {
				return result
			}
		}
	}
}

// escapeMap returns a new map with all values path-escaped.
func escapeMap(m map[string]string) map[string]string {
	result := make(map[string]string, len(m))
	for k, v := range m {
		result[k] = url.PathEscape(v)
	}
	return result
}

func executeTemplate(tmpl *template.Template, data map[string]string) (string, error) {
	var buf strings.Builder
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// formatMachineName creates a name in the format "Base_v1_v2".
// Values are ordered by sorted keys for consistent naming.
func formatMachineName(baseName string, combo map[string]string) string {
	parts := []string{baseName}
	for _, k := range sortedKeys(combo) {
		parts = append(parts, strings.ReplaceAll(combo[k], "/", "-"))
	}
	return strings.Join(parts, "_")
}

// mergeMaps merges multiple maps, with later maps taking precedence.
func mergeMaps(maps ...map[string]string) map[string]string {
	result := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}

// flattenMap converts a map to a slice of key-value pairs for variadic functions.
// Keys are sorted for deterministic output.
func flattenMap(m map[string]string) []string {
	result := make([]string, 0, len(m)*2)
	for _, k := range sortedKeys(m) {
		result = append(result, k, m[k])
	}
	return result
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
