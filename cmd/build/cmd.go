package build

import (
	"context"
	"encoding/json"
	"os"

	"github.com/combust-labs/firebuild-multibuild/configs"
	"github.com/combust-labs/firebuild-multibuild/pkg/daemon"
	"github.com/combust-labs/firebuild-multibuild/pkg/orchestrator"
	"github.com/combust-labs/firebuild-multibuild/pkg/tracing"
	"github.com/combust-labs/firebuild-multibuild/pkg/utils"
	"github.com/spf13/cobra"
)

// Command is the build command declaration.
var Command = &cobra.Command{
	Use:   "build",
	Short: "Demultiplex a composition archive and build or pull every service against the daemon",
	Run:   run,
	Long:  ``,
}

var (
	buildCommandConfig = configs.NewBuildCommandConfig()
	logConfig          = configs.NewLogginConfig()
	tracingConfig      = configs.NewTracingConfig("firebuild-multibuild")
)

func initFlags() {
	Command.Flags().AddFlagSet(buildCommandConfig.FlagSet())
	Command.Flags().AddFlagSet(logConfig.FlagSet())
	Command.Flags().AddFlagSet(tracingConfig.FlagSet())
}

func init() {
	initFlags()
}

func run(cobraCommand *cobra.Command, _ []string) {
	cleanup := utils.NewDefers()
	defer cleanup.CallAll()

	rootLogger := logConfig.NewLogger("build")

	validatingConfigs := []configs.ValidatingConfig{
		buildCommandConfig,
	}
	for _, validatingConfig := range validatingConfigs {
		if err := validatingConfig.Validate(); err != nil {
			rootLogger.Error("configuration is invalid", "reason", err)
			os.Exit(1)
		}
	}

	tracer, tracerCleanup, tracerErr := tracing.GetTracer(rootLogger, tracingConfig)
	if tracerErr != nil {
		rootLogger.Error("failed constructing tracer", "reason", tracerErr)
		os.Exit(1)
	}
	cleanup.Add(tracerCleanup)

	compositionBytes, compositionErr := os.ReadFile(buildCommandConfig.CompositionFile)
	if compositionErr != nil {
		rootLogger.Error("failed reading composition document", "reason", compositionErr)
		os.Exit(1)
	}

	archiveFile, archiveErr := os.Open(buildCommandConfig.ArchiveFile)
	if archiveErr != nil {
		rootLogger.Error("failed opening source archive", "reason", archiveErr)
		os.Exit(1)
	}
	cleanup.Add(func() { archiveFile.Close() })

	daemonClient, daemonErr := daemon.NewFromEnvironment()
	if daemonErr != nil {
		rootLogger.Error("failed constructing daemon client", "reason", daemonErr)
		os.Exit(1)
	}

	results, runErr := orchestrator.Run(context.Background(), daemonClient, tracer, compositionBytes, archiveFile, orchestrator.Options{
		Arch:            buildCommandConfig.Arch,
		DeviceType:      buildCommandConfig.DeviceType,
		TemplateVars:    buildCommandConfig.TemplateVars,
		Username:        buildCommandConfig.Username,
		Password:        buildCommandConfig.Password,
		CallerBuildArgs: buildCommandConfig.BuildArgs,
		CallerLabels:    buildCommandConfig.Labels,
	}, rootLogger)
	if runErr != nil {
		rootLogger.Error("run aborted", "reason", runErr)
		os.Exit(1)
	}

	encoded, encodeErr := json.MarshalIndent(results, "", "  ")
	if encodeErr != nil {
		rootLogger.Error("failed encoding results", "reason", encodeErr)
		os.Exit(1)
	}

	failures := 0
	for _, result := range results {
		if !result.Successful {
			failures++
		}
	}

	os.Stdout.Write(encoded)
	os.Stdout.Write([]byte("\n"))

	if failures > 0 {
		rootLogger.Warn("one or more services failed to build", "failures", failures, "total", len(results))
		os.Exit(1)
	}
}
