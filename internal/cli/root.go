// Package cli holds the cobra scaffolding shared by the service binaries:
// the root command, config file discovery, init/version commands and the
// JSON logger.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// App describes one service binary.
type App struct {
	// Name is the binary and config file name, e.g. "command-service".
	Name  string
	Short string
	// DefaultYAML is written by the init command.
	DefaultYAML string

	cfgFile string
}

// NewRoot builds the root command for app with the given service commands
// plus init and version attached.
func NewRoot(app *App, cmds ...*cobra.Command) *cobra.Command {
	root := &cobra.Command{
		Use:          app.Name,
		Short:        app.Short,
		SilenceUsage: true,
	}

	cobra.OnInitialize(app.initConfig)

	root.PersistentFlags().StringVar(&app.cfgFile, "config", "", "config file path (default: ./"+app.Name+".yaml)")
	root.PersistentFlags().String("log-level", "info", "log level: debug | info | warn | error")
	BindFlag("log_level", root.PersistentFlags(), "log-level")

	for _, c := range cmds {
		root.AddCommand(c)
	}
	root.AddCommand(app.newInitCmd())
	root.AddCommand(newVersionCmd(app.Name))
	return root
}

// Execute runs root and exits non-zero on error.
func Execute(root *cobra.Command) {
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func (app *App) initConfig() {
	if app.cfgFile != "" {
		viper.SetConfigFile(app.cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.SetConfigName(app.Name)
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath(home + "/.go-task-cqrs")
		viper.AddConfigPath("/etc/go-task-cqrs")
	}

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, "error reading config file:", err)
			os.Exit(1)
		}
	} else {
		fmt.Fprintln(os.Stderr, "config:", viper.ConfigFileUsed())
	}
}

// BuildLogger returns a JSON logger on stdout tagged with the service name.
func BuildLogger(level, service string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: ParseLevel(level)})).
		With(slog.String("service", service))
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// BindFlag binds a viper key to a flag and panics if the flag does not exist.
func BindFlag(viperKey string, fs *pflag.FlagSet, flagName string) {
	if err := viper.BindPFlag(viperKey, fs.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q → %q: %v", flagName, viperKey, err))
	}
}

// BindEnv binds a viper key to an explicit environment variable name.
func BindEnv(viperKey, env string) {
	if err := viper.BindEnv(viperKey, env); err != nil {
		panic(fmt.Sprintf("bindEnv %q → %q: %v", env, viperKey, err))
	}
}
