package util

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// EnvPrefix prefixes every environment variable that overrides a flag.
const EnvPrefix = "RELAY_"

// SetFlagsFromEnvVars updates flag values from environment variables,
// e.g. --listen-address is read from RELAY_LISTEN_ADDRESS.
func SetFlagsFromEnvVars(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.VisitAll(func(f *pflag.Flag) {
		envVar := FlagNameToEnvVar(f.Name)
		value, present := os.LookupEnv(envVar)
		if !present {
			return
		}

		if err := flags.Set(f.Name, value); err != nil {
			log.Infof("unable to configure flag %s using variable %s, err: %v", f.Name, envVar, err)
		}
	})
}

// FlagNameToEnvVar converts a flag name to its environment variable name.
func FlagNameToEnvVar(cmdFlag string) string {
	parsed := strings.ReplaceAll(cmdFlag, "-", "_")
	return EnvPrefix + strings.ToUpper(parsed)
}
