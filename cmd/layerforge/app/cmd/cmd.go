/*
Copyright 2024 The Layerforge Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/layerforge/layerforge/pkg/layerforge/output/log"
)

var v string

// NewLayerforgeCommand returns the root command with all subcommands
// attached.
func NewLayerforgeCommand(out, errOut io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "layerforge",
		Short:         "Build container images from files, without a container engine.",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return setUpLogs(errOut, v)
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)

	rootCmd.AddCommand(NewCmdBuild(out))
	rootCmd.AddCommand(NewCmdVersion(out))

	rootCmd.PersistentFlags().StringVarP(&v, "verbosity", "v", logrus.WarnLevel.String(), "Log level (debug, info, warn, error, fatal, panic)")
	return rootCmd
}

func setUpLogs(out io.Writer, level string) error {
	logrus.SetOutput(out)
	return log.SetLevel(level)
}
