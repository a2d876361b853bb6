package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/releasetrail/internal/logging"
	"github.com/ppiankov/releasetrail/internal/model"
	"github.com/ppiankov/releasetrail/internal/pipeline"
)

const (
	version   = "v0.1.0"
	envPrefix = "RELEASETRAIL"
	configDir = ".releasetrail"
)

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "releasetrail",
	Short: "Collect and archive corporate news releases",
	Long: `releasetrail builds a research corpus of corporate news releases.

It discovers release links on each organization's live news page and on
archived snapshots of it, downloads PDF releases, extracts plain text and
persists everything as CSV so every stage can be resumed.

Stages can run one at a time (collect, lookup, reconcile, download,
extract, retry) or end to end with "run".`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command. Interrupts cancel the running stage.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("releasetrail " + version)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.releasetrail/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (debug logging)")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	rootCmd.AddCommand(versionCmd)
}

// initConfig reads in config file and ENV variables
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			return
		}
		viper.AddConfigPath(filepath.Join(home, configDir))
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// RELEASETRAIL_HTTP_TIMEOUT overrides http.timeout
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("llm.api_key", envPrefix+"_LLM_API_KEY", "OPENAI_API_KEY")

	if err := setDefaults(viper.GetViper(), model.DefaultConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "Error registering defaults: %v\n", err)
	}

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// setDefaults registers every scalar of cfg as a viper default so that
// AutomaticEnv can override nested keys. Organizations come only from
// the config file.
func setDefaults(v *viper.Viper, cfg *model.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return err
	}
	delete(tree, "organizations")
	for key, value := range flatten("", tree) {
		v.SetDefault(key, value)
	}
	return nil
}

func flatten(prefix string, tree map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok && len(sub) > 0 {
			for sk, sv := range flatten(key, sub) {
				out[sk] = sv
			}
			continue
		}
		out[key] = v
	}
	return out
}

// loadConfig merges defaults, config file, env and flags
func loadConfig(v *viper.Viper) (*model.Config, error) {
	cfg := model.DefaultConfig()
	if v.InConfig("organizations") {
		// Decoding into the default roster would keep its trailing entries
		cfg.Organizations = nil
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if v.GetBool("verbose") {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// openPipeline loads configuration and acquires a pipeline. Callers close it.
func openPipeline() (*pipeline.Pipeline, *zap.Logger, error) {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, err
	}
	p, err := pipeline.NewPipeline(cfg, log)
	if err != nil {
		_ = log.Sync()
		return nil, nil, fmt.Errorf("initialize pipeline: %w", err)
	}
	log.Debug("pipeline ready", zap.String("run_id", p.RunID()), zap.String("output", cfg.Output.Dir))
	return p, log, nil
}

// closePipeline releases p and flushes the logger
func closePipeline(p *pipeline.Pipeline, log *zap.Logger) {
	if err := p.Close(); err != nil {
		log.Warn("close pipeline", zap.Error(err))
	}
	_ = log.Sync()
}
