package main

import (
	"fmt"
	"io"

	"github.com/Brownie44l1/cxr-api/internal/gradcam"
	"github.com/Brownie44l1/cxr-api/internal/nn"
	"github.com/spf13/cobra"
)

var layersCmd = &cobra.Command{
	Use:   "layers",
	Short: "List model layers and the resolved Grad-CAM target",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		m, err := nn.Load(cfg.Model.Architecture, cfg.Model.Weights)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "model %s\n", m.Name())
		printLayers(out, m, "  ")

		target, ok := gradcam.Resolve(m, cfg.GradCAM.LayerName)
		if !ok {
			fmt.Fprintf(out, "\ngrad-cam target: none (wanted %s)\n", cfg.GradCAM.LayerName)
			return nil
		}
		fmt.Fprintf(out, "\ngrad-cam target: %s", target)
		if target.Layer != cfg.GradCAM.LayerName {
			fmt.Fprintf(out, " (fallback for %s)", cfg.GradCAM.LayerName)
		}
		fmt.Fprintln(out)
		return nil
	},
}

func printLayers(w io.Writer, c nn.Container, indent string) {
	for _, l := range c.Layers() {
		fmt.Fprintf(w, "%s%-32s %s\n", indent, l.Name(), nn.Kind(l))
		if sub, ok := l.(nn.Container); ok {
			printLayers(w, sub, indent+"  ")
		}
	}
}
