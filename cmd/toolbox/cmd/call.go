package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/everydev1618/toolbox/catalog"
	"github.com/everydev1618/toolbox/internal/home"
	"github.com/everydev1618/toolbox/sandbox"
)

var (
	callArgs       []string
	callArgsJSON   string
	callEnv        []string
	callImage      string
	callVia        string
	callSessionDir string
	callSession    string
	callPrivileged bool
)

var callCmd = &cobra.Command{
	Use:   "call <tool> <method>",
	Short: "Call one tool method in a sandbox and print the result",
	Long: `Launch the tool's sandbox, call one method, print the result and stop
every sandbox that was started.

Argument values are parsed as JSON when possible and passed as strings
otherwise.

Examples:
  toolbox call nmap scan -a target=10.0.0.5 -a ports='"22,80,443"'

  # Route the scan through the vpn service sandbox
  toolbox call nmap scan -a target=10.8.0.1 --via vpn`,
	Args: cobra.ExactArgs(2),
	RunE: runCall,
}

func init() {
	rootCmd.AddCommand(callCmd)

	callCmd.Flags().StringArrayVarP(&callArgs, "arg", "a", nil, "Method argument as key=value (repeatable)")
	callCmd.Flags().StringVar(&callArgsJSON, "args-json", "", "Method arguments as a JSON object")
	callCmd.Flags().StringArrayVarP(&callEnv, "env", "e", nil, "Container environment as KEY=VALUE (repeatable)")
	callCmd.Flags().StringVar(&callImage, "image", "", "Image to launch (default: catalog image)")
	callCmd.Flags().StringVar(&callVia, "via", "", "Start this catalog service first and share its network")
	callCmd.Flags().StringVar(&callSessionDir, "session-dir", "", "Host directory mounted at /session")
	callCmd.Flags().StringVar(&callSession, "session", "", "Mount ~/.toolbox/sessions/<name> at /session")
	callCmd.Flags().BoolVar(&callPrivileged, "privileged", false, "Run the sandbox privileged")
}

func runCall(cmd *cobra.Command, args []string) error {
	toolName, method := args[0], args[1]

	toolArgs, err := parseToolArgs(callArgsJSON, callArgs)
	if err != nil {
		return err
	}
	env, err := parseEnv(callEnv)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s, err := buildStack()
	if err != nil {
		return err
	}
	defer s.Close()
	defer s.mgr.StopAll(context.Background())

	if callVia != "" {
		if err := startService(ctx, s, callVia); err != nil {
			return err
		}
	}

	image, opts, err := callOptions(s.catalog, toolName, env)
	if err != nil {
		return err
	}
	if callPrivileged {
		opts.Privileged = true
	}
	if callVia != "" {
		opts.UseServiceNetwork = callVia
	}
	if callSession != "" {
		dir := home.SessionDir(callSession)
		if err := home.EnsureDir(dir); err != nil {
			return fmt.Errorf("creating session directory: %w", err)
		}
		opts.SessionDir = dir
	}
	if callSessionDir != "" {
		opts.SessionDir = callSessionDir
	}

	result, err := s.mgr.CallTool(ctx, toolName, image, method, toolArgs, opts)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), result.Text())
	if result.IsError {
		return fmt.Errorf("%s.%s reported an error", toolName, method)
	}
	return nil
}

// startService launches a catalog service sandbox so others can join its
// network.
func startService(ctx context.Context, s *stack, name string) error {
	entry, ok := s.catalog.Lookup(name)
	if !ok {
		return fmt.Errorf("service %q is not in the catalog", name)
	}
	if !entry.Service {
		return fmt.Errorf("%q is not a service", name)
	}
	if missing := entry.MissingEnv(nil); len(missing) > 0 {
		return fmt.Errorf("%s requires %s", name, strings.Join(missing, ", "))
	}

	opts := entry.Options(nil)
	if _, err := s.mgr.GetClient(ctx, entry.Name, entry.Image, opts); err != nil {
		return err
	}
	if _, ok := s.mgr.ServiceContainerID(opts.Role.ServiceName(entry.Name)); !ok {
		return fmt.Errorf("service %q did not register", name)
	}
	return nil
}

// callOptions resolves the image and launch options for toolName.
func callOptions(cat *catalog.Catalog, toolName string, env map[string]string) (string, sandbox.ContainerOptions, error) {
	entry, ok := cat.Lookup(toolName)
	if !ok {
		if callImage == "" {
			return "", sandbox.ContainerOptions{}, fmt.Errorf("tool %q is not in the catalog; pass --image", toolName)
		}
		return callImage, sandbox.ContainerOptions{Env: env}, nil
	}

	if missing := entry.MissingEnv(env); len(missing) > 0 {
		return "", sandbox.ContainerOptions{}, fmt.Errorf("%s requires %s", toolName, strings.Join(missing, ", "))
	}

	image := entry.Image
	if callImage != "" {
		image = callImage
	}
	return image, entry.Options(env), nil
}

// parseToolArgs merges a JSON object with key=value pairs, pairs winning.
func parseToolArgs(rawJSON string, pairs []string) (map[string]any, error) {
	out := make(map[string]any)
	if rawJSON != "" {
		if err := json.Unmarshal([]byte(rawJSON), &out); err != nil {
			return nil, fmt.Errorf("--args-json: %w", err)
		}
	}

	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("argument %q is not key=value", pair)
		}

		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		out[key] = value
	}

	return out, nil
}

func parseEnv(pairs []string) (map[string]string, error) {
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, errors.New("environment must be KEY=VALUE, got " + pair)
		}
		env[key] = value
	}
	return env, nil
}
