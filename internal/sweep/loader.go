package sweep

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/errs"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/tags"
)

// Resolver maps the function names appearing in external sweep descriptions
// to callbacks. Loading fails on a name the resolver does not know.
type Resolver map[string]Callback

func (r Resolver) resolve(name string) (Callback, error) {
	cb, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown sweep function %q", errs.ErrValidation, name)
	}
	return cb, nil
}

// yamlDescription is the on-disk shape of a YAML sweep description:
//
//	arms:
//	  - type: cross          # or pair
//	    sweeps:
//	      - function: set_a
//	        values: [0, 1, 2]
type yamlDescription struct {
	Arms []struct {
		Type   string `yaml:"type"`
		Sweeps []struct {
			Function string        `yaml:"function"`
			Values   []interface{} `yaml:"values"`
		} `yaml:"sweeps"`
	} `yaml:"arms"`
}

// LoadYAML reads a builder description from YAML, resolving function names
// through the resolver. Values are tag-normalized on ingress.
func LoadYAML(r io.Reader, resolver Resolver) (*Builder, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read sweep description: %w", err)
	}
	var desc yamlDescription
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("%w: invalid sweep description: %v", errs.ErrValidation, err)
	}

	b := NewBuilder()
	for i, armDesc := range desc.Arms {
		var arm *Arm
		switch armDesc.Type {
		case "cross", "":
			arm = NewCrossArm()
		case "pair", "pairwise":
			arm = NewPairArm()
		default:
			return nil, fmt.Errorf("%w: arm %d has unknown type %q", errs.ErrValidation, i, armDesc.Type)
		}
		for _, s := range armDesc.Sweeps {
			cb, err := resolver.resolve(s.Function)
			if err != nil {
				return nil, err
			}
			values := make([]interface{}, len(s.Values))
			for j, v := range s.Values {
				values[j] = tags.NormalizeValue(v)
			}
			arm.AddSweep(cb, values)
		}
		b.AddArm(arm)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// LoadYAMLFile reads a YAML sweep description from disk.
func LoadYAMLFile(path string, resolver Resolver) (*Builder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sweep description %s: %w", path, err)
	}
	defer f.Close()
	return LoadYAML(f, resolver)
}

// LoadCSV reads a pairwise arm from CSV: the header row names the sweep
// functions, each following row is one point. Cell values are tag-normalized
// on ingress.
func LoadCSV(r io.Reader, resolver Resolver) (*Builder, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: invalid sweep CSV: %v", errs.ErrValidation, err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("%w: sweep CSV needs a header row and at least one value row", errs.ErrValidation)
	}

	header := records[0]
	columns := make([][]interface{}, len(header))
	for _, row := range records[1:] {
		if len(row) != len(header) {
			return nil, fmt.Errorf("%w: sweep CSV row has %d cells, header has %d",
				errs.ErrValidation, len(row), len(header))
		}
		for i, cell := range row {
			columns[i] = append(columns[i], tags.NormalizeValue(cell))
		}
	}

	arm := NewPairArm()
	for i, name := range header {
		cb, err := resolver.resolve(name)
		if err != nil {
			return nil, err
		}
		arm.AddSweep(cb, columns[i])
	}

	b := NewBuilder().AddArm(arm)
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// LoadCSVFile reads a CSV sweep description from disk.
func LoadCSVFile(path string, resolver Resolver) (*Builder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sweep description %s: %w", path, err)
	}
	defer f.Close()
	return LoadCSV(f, resolver)
}
