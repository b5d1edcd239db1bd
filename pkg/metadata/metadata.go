// Package metadata implements the MetadataStore: it intercepts the reserved
// metadata directory (.balena/ or .resin/) as TarDemux streams entries past
// it, and exposes the parsed build-variables, build-secrets and
// registry-secrets views once the stream has been fully consumed.
package metadata

import (
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// MetadataDirectories lists the recognized input-relative metadata
// directory names, in no particular precedence (at most one may appear).
var MetadataDirectories = []string{".balena", ".resin"}

// candidateFiles lists the recognized balena/resin YAML/JSON files, in
// strict precedence order: first match wins.
var candidateFiles = []string{
	"balena.yml", "balena.yaml", "balena.json",
	"resin.yml", "resin.yaml", "resin.json",
}

var registrySecretCandidates = []string{
	"registry-secrets.json", "registry-secrets.yml", "registry-secrets.yaml",
}

// SecretBinding names a build secret source file and its destination name
// inside the build's /run/secrets mount.
type SecretBinding struct {
	Source string `mapstructure:"source" yaml:"source" json:"source"`
	Dest   string `mapstructure:"dest" yaml:"dest" json:"dest"`
}

// BuildVariables is the parsed build-variables view.
type BuildVariables struct {
	Global   map[string]string
	Services map[string]map[string]string
}

// BuildSecrets is the parsed build-secrets view.
type BuildSecrets struct {
	Global   []SecretBinding
	Services map[string][]SecretBinding
}

// RegistryCredential is a single registry-secrets.* entry.
type RegistryCredential struct {
	Username string
	Password string
}

// MultipleMetadataDirectoryError is fatal: the input carried both .balena/
// and .resin/.
type MultipleMetadataDirectoryError struct {
	First  string
	Second string
}

func (e *MultipleMetadataDirectoryError) Error() string {
	return fmt.Sprintf("metadata: multiple metadata directories present: %s and %s", e.First, e.Second)
}

// BalenaYMLValidationError is fatal: the metadata file failed schema
// validation or could not be decoded.
type BalenaYMLValidationError struct {
	Path   string
	Reason string
}

func (e *BalenaYMLValidationError) Error() string {
	return fmt.Sprintf("metadata: %s: %s", e.Path, e.Reason)
}

// RegistrySecretValidationError is fatal: registry-secrets.* failed schema
// validation.
type RegistrySecretValidationError struct {
	Message string
}

func (e *RegistrySecretValidationError) Error() string {
	return e.Message
}

// Store collects metadata files encountered during demux and, once Parse is
// called, exposes the parsed structured views.
type Store struct {
	files     map[string][]byte
	directory string

	buildVariables  BuildVariables
	buildSecrets    BuildSecrets
	registrySecrets map[string]RegistryCredential
}

// New returns an empty metadata Store.
func New() *Store {
	return &Store{
		files: map[string][]byte{},
	}
}

// AddFile stores a metadata entry's bytes, keyed by its path relative to
// the metadata directory root it was found under (e.g. "balena.yml",
// "secrets/npm-token"). dirName is the metadata directory the entry came
// from (".balena" or ".resin").
func (s *Store) AddFile(dirName, relativePath string, contents []byte) error {
	if s.directory == "" {
		s.directory = dirName
	} else if s.directory != dirName {
		return &MultipleMetadataDirectoryError{First: s.directory, Second: dirName}
	}
	s.files[path.Clean(relativePath)] = contents
	return nil
}

// Parse must be called once demux has completed. It locates the first
// matching balena/resin file, decodes and validates it, then does the same
// for registry-secrets.*.
func (s *Store) Parse() error {
	s.buildVariables = BuildVariables{Global: map[string]string{}, Services: map[string]map[string]string{}}
	s.buildSecrets = BuildSecrets{Global: []SecretBinding{}, Services: map[string][]SecretBinding{}}
	s.registrySecrets = map[string]RegistryCredential{}

	if err := s.parseBalenaYML(); err != nil {
		return err
	}
	if err := s.parseRegistrySecrets(); err != nil {
		return err
	}
	return nil
}

func (s *Store) parseBalenaYML() error {
	var chosen string
	var contents []byte
	for _, candidate := range candidateFiles {
		if c, ok := s.files[candidate]; ok {
			chosen = candidate
			contents = c
			break
		}
	}
	if chosen == "" {
		return nil
	}

	raw := map[string]interface{}{}
	if err := decodeByExtension(chosen, contents, &raw); err != nil {
		return &BalenaYMLValidationError{Path: chosen, Reason: err.Error()}
	}

	for key := range raw {
		if key != "build-variables" && key != "build-secrets" {
			return &BalenaYMLValidationError{Path: chosen, Reason: fmt.Sprintf("unknown top-level key %q", key)}
		}
	}

	if bv, ok := raw["build-variables"]; ok {
		parsed, err := decodeBuildVariables(bv)
		if err != nil {
			return &BalenaYMLValidationError{Path: chosen, Reason: "build-variables: " + err.Error()}
		}
		s.buildVariables = *parsed
	}

	if bs, ok := raw["build-secrets"]; ok {
		parsed, err := decodeBuildSecrets(bs)
		if err != nil {
			return &BalenaYMLValidationError{Path: chosen, Reason: "build-secrets: " + err.Error()}
		}
		s.buildSecrets = *parsed
	}

	return nil
}

func (s *Store) parseRegistrySecrets() error {
	var chosen string
	var contents []byte
	for _, candidate := range registrySecretCandidates {
		if c, ok := s.files[candidate]; ok {
			chosen = candidate
			contents = c
			break
		}
	}
	if chosen == "" {
		return nil
	}

	raw := map[string]interface{}{}
	if err := decodeByExtension(chosen, contents, &raw); err != nil {
		return &RegistrySecretValidationError{Message: fmt.Sprintf("registry-secrets: %s", err.Error())}
	}

	keyPattern := regexp.MustCompile(`^\S+$`)
	result := map[string]RegistryCredential{}

	for key, value := range raw {
		if !keyPattern.MatchString(key) {
			return &RegistrySecretValidationError{Message: "should NOT have additional properties"}
		}
		obj, ok := value.(map[string]interface{})
		if !ok {
			return &RegistrySecretValidationError{Message: fmt.Sprintf("'%s': should be an object", key)}
		}

		allowed := map[string]bool{"username": true, "password": true}
		for prop := range obj {
			if !allowed[prop] {
				return &RegistrySecretValidationError{Message: fmt.Sprintf("'%s': should NOT have additional properties, found '%s'", key, prop)}
			}
		}

		username, uOk := obj["username"].(string)
		if !uOk {
			return &RegistrySecretValidationError{Message: fmt.Sprintf("'%s': should have required property 'username'", key)}
		}
		password, pOk := obj["password"].(string)
		if !pOk {
			return &RegistrySecretValidationError{Message: fmt.Sprintf("'%s': should have required property 'password'", key)}
		}

		result[key] = RegistryCredential{Username: username, Password: password}
	}

	s.registrySecrets = result
	return nil
}

// GetBuildVarsForService returns global build variables merged with the
// service's overrides; service-level keys win.
func (s *Store) GetBuildVarsForService(name string) map[string]string {
	merged := map[string]string{}
	for k, v := range s.buildVariables.Global {
		merged[k] = v
	}
	for k, v := range s.buildVariables.Services[name] {
		merged[k] = v
	}
	return merged
}

// GetSecretsForService returns the global secret bindings plus this
// service's own bindings.
func (s *Store) GetSecretsForService(name string) []SecretBinding {
	out := append([]SecretBinding{}, s.buildSecrets.Global...)
	out = append(out, s.buildSecrets.Services[name]...)
	return out
}

// GetSecretFile returns the bytes of secrets/<source>, or (nil, false) if
// absent.
func (s *Store) GetSecretFile(source string) ([]byte, bool) {
	contents, ok := s.files[path.Join("secrets", source)]
	return contents, ok
}

// RegistrySecrets returns the parsed registry-host -> credential mapping.
func (s *Store) RegistrySecrets() map[string]RegistryCredential {
	return s.registrySecrets
}

func decodeByExtension(filename string, contents []byte, out interface{}) error {
	ext := strings.ToLower(path.Ext(filename))
	switch ext {
	case ".json":
		return json.Unmarshal(contents, out)
	case ".yml", ".yaml":
		return yaml.Unmarshal(contents, out)
	default:
		return errors.Errorf("unsupported metadata file extension: %s", ext)
	}
}

// buildVariablesShape and buildSecretsShape mirror the balena.yml
// build-variables/build-secrets schema and are decoded from the generic
// YAML/JSON map via mapstructure so that unexpected shapes (wrong types,
// missing source/dest) surface as a single decode error rather than
// ad-hoc type assertions.
type buildVariablesShape struct {
	Global   map[string]string            `mapstructure:"global"`
	Services map[string]map[string]string `mapstructure:"services"`
}

type buildSecretsShape struct {
	Global   []SecretBinding            `mapstructure:"global"`
	Services map[string][]SecretBinding `mapstructure:"services"`
}

func decodeBuildVariables(raw interface{}) (*BuildVariables, error) {
	shape := buildVariablesShape{}
	if err := mapstructure.Decode(raw, &shape); err != nil {
		return nil, err
	}
	result := &BuildVariables{Global: shape.Global, Services: shape.Services}
	if result.Global == nil {
		result.Global = map[string]string{}
	}
	if result.Services == nil {
		result.Services = map[string]map[string]string{}
	}
	return result, nil
}

func decodeBuildSecrets(raw interface{}) (*BuildSecrets, error) {
	shape := buildSecretsShape{}
	if err := mapstructure.Decode(raw, &shape); err != nil {
		return nil, err
	}
	result := &BuildSecrets{Global: shape.Global, Services: shape.Services}
	if result.Global == nil {
		result.Global = []SecretBinding{}
	}
	if result.Services == nil {
		result.Services = map[string][]SecretBinding{}
	}
	return result, nil
}
