package configs

import (
	"fmt"

	"github.com/spf13/pflag"
)

// BuildCommandConfig is the multibuild command configuration: the inputs
// the orchestrator needs to drive one end-to-end run (composition document,
// source archive, target arch/device, and optional registry credentials).
type BuildCommandConfig struct {
	flagBase

	CompositionFile string
	ArchiveFile     string
	Arch            string
	DeviceType      string
	TemplateVars    map[string]string
	Username        string
	Password        string
	BuildArgs       map[string]string
	Labels          map[string]string
}

// NewBuildCommandConfig returns new command configuration.
func NewBuildCommandConfig() *BuildCommandConfig {
	return &BuildCommandConfig{}
}

// FlagSet returns an instance of the flag set for the configuration.
func (c *BuildCommandConfig) FlagSet() *pflag.FlagSet {
	if c.initFlagSet() {
		c.flagSet.StringVar(&c.CompositionFile, "composition", "", "Full path to the composition document, required")
		c.flagSet.StringVar(&c.ArchiveFile, "archive", "", "Full path to the combined source tar archive, required")
		c.flagSet.StringVar(&c.Arch, "arch", "x86_64", "Target architecture, used for Dockerfile.<arch> selection and --platform resolution")
		c.flagSet.StringVar(&c.DeviceType, "device-type", "", "Target device type, used for Dockerfile.<deviceType> selection, takes precedence over --arch")
		c.flagSet.StringToStringVar(&c.TemplateVars, "template-var", map[string]string{}, "Additional Dockerfile.template %%TOKEN%% substitution, multiple OK")
		c.flagSet.StringVar(&c.Username, "username", "", "Registry username, used when the archive carries no matching registry secret")
		c.flagSet.StringVar(&c.Password, "password", "", "Registry password, used when the archive carries no matching registry secret")
		c.flagSet.StringToStringVar(&c.BuildArgs, "build-arg", map[string]string{}, "Additional build arguments applied to every build task, multiple OK")
		c.flagSet.StringToStringVar(&c.Labels, "label", map[string]string{}, "Additional labels applied to every build task, multiple OK")
	}
	return c.flagSet
}

// Validate validates the correctness of the configuration.
func (c *BuildCommandConfig) Validate() error {
	if c.CompositionFile == "" {
		return fmt.Errorf("--composition is required")
	}
	if c.ArchiveFile == "" {
		return fmt.Errorf("--archive is required")
	}
	return nil
}
