package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	probePull    bool
	probeTimeout time.Duration
)

var probeCmd = &cobra.Command{
	Use:   "probe [image...]",
	Short: "Check the container runtime and which tool images are present",
	Long: `Check that the container runtime answers and report which images are
already present locally. Without arguments every catalog image is checked.

Examples:
  toolbox probe
  toolbox probe --pull ghcr.io/everydev1618/toolbox-nmap:latest`,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)

	probeCmd.Flags().BoolVar(&probePull, "pull", false, "Pull images that are missing")
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 10*time.Minute, "Overall timeout")
}

func runProbe(cmd *cobra.Command, args []string) error {
	s, err := buildStack()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
	defer cancel()

	out := cmd.OutOrStdout()
	if err := s.rt.Available(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "runtime: %s (%s backend) available\n\n", s.rt.Binary(), s.cfg.Runtime.Backend)

	images := args
	if len(images) == 0 {
		for _, e := range s.catalog.Entries() {
			images = append(images, e.Image)
		}
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "IMAGE\tSTATUS")

	var failed int
	for _, image := range images {
		status, err := probeImage(ctx, s, image)
		if err != nil {
			failed++
			status = "error: " + err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\n", image, status)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d images failed", failed, len(images))
	}
	return nil
}

func probeImage(ctx context.Context, s *stack, image string) (string, error) {
	exists, err := s.rt.ImageExists(ctx, image)
	if err != nil {
		return "", err
	}
	if exists {
		return "present", nil
	}
	if !probePull {
		return "missing", nil
	}

	err = s.rt.Pull(ctx, image, func(line string) {
		log.WithField("image", image).Debug(line)
	})
	if err != nil {
		return "", err
	}
	return "pulled", nil
}
