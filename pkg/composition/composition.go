// Package composition implements the minimal composition parser the core
// depends on as an external collaborator: given a composition document,
// return an ordered list of image descriptors.
package composition

import (
	"fmt"

	"github.com/combust-labs/firebuild-multibuild/pkg/tasks"
	"gopkg.in/yaml.v3"
)

// service is the per-service shape of one composition YAML document entry.
type service struct {
	Image  string            `yaml:"image"`
	Build  *buildSpec        `yaml:"build"`
	Labels map[string]string `yaml:"labels"`
}

type buildSpec struct {
	Context    string            `yaml:"context"`
	Dockerfile string            `yaml:"dockerfile"`
	Args       map[string]string `yaml:"args"`
}

// document is the top-level composition shape: an ordered service map.
// yaml.v3 preserves map key order via yaml.Node decoding; to keep
// declaration order without hand-rolling a MapSlice, services are decoded
// through a yaml.Node and walked in document order.
type document struct {
	Services yaml.Node `yaml:"services"`
}

// ParseError names the offending service when a composition entry cannot
// be translated into an ImageDescriptor.
type ParseError struct {
	ServiceName string
	Reason      string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("composition: service %q: %s", e.ServiceName, e.Reason)
}

// Parse decodes a composition YAML document into an ordered list of image
// descriptors, preserving service declaration order.
func Parse(contents []byte) ([]tasks.ImageDescriptor, error) {
	doc := &document{}
	if err := yaml.Unmarshal(contents, doc); err != nil {
		return nil, err
	}

	if doc.Services.Kind != yaml.MappingNode && doc.Services.Kind != 0 {
		return nil, fmt.Errorf("composition: services must be a mapping")
	}

	descriptors := []tasks.ImageDescriptor{}
	for i := 0; i+1 < len(doc.Services.Content); i += 2 {
		nameNode := doc.Services.Content[i]
		svcNode := doc.Services.Content[i+1]

		name := nameNode.Value
		svc := &service{}
		if err := svcNode.Decode(svc); err != nil {
			return nil, &ParseError{ServiceName: name, Reason: err.Error()}
		}

		if svc.Build == nil {
			if svc.Image == "" {
				return nil, &ParseError{ServiceName: name, Reason: "must declare either image or build"}
			}
			descriptors = append(descriptors, tasks.ImageDescriptor{
				ServiceName: name,
				External:    true,
				ImageRef:    svc.Image,
			})
			continue
		}

		descriptors = append(descriptors, tasks.ImageDescriptor{
			ServiceName:    name,
			External:       false,
			Context:        svc.Build.Context,
			DockerfilePath: svc.Build.Dockerfile,
			Args:           svc.Build.Args,
			Labels:         svc.Labels,
			Tag:            svc.Image,
		})
	}

	return descriptors, nil
}
