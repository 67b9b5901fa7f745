// Package main provides the entry point for the narrator CLI.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/charmbracelet/narrator/internal/config"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string
	debug      bool
	cfg        config.Config
	closeLog   = func() error { return nil }

	rootCmd = &cobra.Command{
		Use:   "narrator",
		Short: "Synthesize long-form text to speech, with a cache",
		Long: paragraph(
			fmt.Sprintf("\nSynthesize books and articles to speech, %s. Audio is cached on disk, bounded by a quota and compressed in the background.", keyword("one segment at a time")),
		),
		SilenceErrors:    false,
		SilenceUsage:     true,
		TraverseChildren: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
	}
)

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flags().Changed("config") {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("unable to read config file: %w", err)
		}
	}

	var err error
	cfg, err = config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	closer, err := setupLog(cfg.Logging)
	if err != nil {
		return err
	}
	closeLog = closer
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		_ = closeLog()
		os.Exit(1)
	}
	_ = closeLog()
}

func init() {
	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", configFile, "config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "log debug messages")
	rootCmd.PersistentFlags().String("cache-dir", "", "directory holding the audio cache")
	rootCmd.PersistentFlags().String("log-file", "", "write logs to this file")

	// Config bindings
	_ = viper.BindPFlag("cache.dir", rootCmd.PersistentFlags().Lookup("cache-dir"))
	_ = viper.BindPFlag("logging.file", rootCmd.PersistentFlags().Lookup("log-file"))

	config.SetDefaults(viper.GetViper())

	rootCmd.AddCommand(synthCmd, cacheCmd, configCmd, manCmd)
}

func tryLoadConfigFromDefaultPlaces() {
	scope := gap.NewScope(gap.User, "narrator")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		fmt.Println("Could not load find configuration directory.")
		os.Exit(1)
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, "narrator")}, dirs...)
	}

	if c := os.Getenv("NARRATOR_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName("narrator")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("narrator")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		configFile = used
		log.Debug("Using configuration file", "path", used)
		return
	}
	configFile = filepath.Join(dirs[0], "narrator.yml")
}
