package cmd

import (
	"fmt"

	"github.com/kozaktomas/face-finder/internal/source"
	"github.com/spf13/cobra"
)

// mustGetBool gets a bool flag value or panics if the flag doesn't exist.
// This is appropriate for flags defined in init() - errors indicate programming bugs.
func mustGetBool(cmd *cobra.Command, name string) bool {
	val, err := cmd.Flags().GetBool(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

// mustGetInt gets an int flag value or panics if the flag doesn't exist.
func mustGetInt(cmd *cobra.Command, name string) int {
	val, err := cmd.Flags().GetInt(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

// mustGetString gets a string flag value or panics if the flag doesn't exist.
func mustGetString(cmd *cobra.Command, name string) string {
	val, err := cmd.Flags().GetString(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

// mustGetFloat64 gets a float64 flag value or panics if the flag doesn't exist.
func mustGetFloat64(cmd *cobra.Command, name string) float64 {
	val, err := cmd.Flags().GetFloat64(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

// addSourceFlags registers the flags read by sourceSpecFromFlags.
func addSourceFlags(cmd *cobra.Command) {
	cmd.Flags().String("dir", "", "Local directory with the collection's photos")
	cmd.Flags().String("url", "", "Base URL of an HTTP file listing service")
	cmd.Flags().String("folder", "", "Folder id on the HTTP file listing service")
	cmd.Flags().String("token", "", "Bearer token for the HTTP file listing service (defaults to SOURCE_TOKEN)")
}

// sourceSpecFromFlags builds a source spec. ok is false when no source was given.
func sourceSpecFromFlags(cmd *cobra.Command, tokenEnv string) (spec source.Spec, ok bool, err error) {
	dir := mustGetString(cmd, "dir")
	url := mustGetString(cmd, "url")
	switch {
	case dir != "" && url != "":
		return spec, false, fmt.Errorf("--dir and --url are mutually exclusive")
	case dir != "":
		return source.Spec{Type: "dir", Path: dir}, true, nil
	case url != "":
		token := mustGetString(cmd, "token")
		if token == "" {
			token = tokenEnv
		}
		return source.Spec{Type: "http", URL: url, Folder: mustGetString(cmd, "folder"), Token: token}, true, nil
	default:
		return spec, false, nil
	}
}
