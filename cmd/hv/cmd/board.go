/*
Copyright © 2026 coredump-systems

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/coredump-systems/microhv/pkg/config"
	"github.com/coredump-systems/microhv/pkg/kernel"
)

var (
	acpiPath string
	fdtPath  string
)

func init() {
	rootCmd.AddCommand(boardCmd)
	boardCmd.Flags().StringVar(&acpiPath, "acpi", "", "primary board descriptor (YAML)")
	boardCmd.Flags().StringVar(&fdtPath, "fdt", "", "fallback board descriptor (YAML)")
}

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Load a board descriptor and bring every simulated CPU online",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := config.Load(acpiPath, fdtPath)
		if err != nil {
			return err
		}

		m := kernel.NewMachine(b.CPUCount, kernel.CPUID(b.BootCPU), entry("board"))
		if err := m.Boot(context.Background(), kernel.FeatureFP|kernel.FeatureASIMD|kernel.FeatureGICv3); err != nil {
			return fmt.Errorf("board: %w", err)
		}

		fmt.Printf("cpu_count=%d boot_cpu=%d timer_hz=%d gic_base=%#x smmu=%v\n",
			b.CPUCount, b.BootCPU, b.TimerFrequencyHz, b.InterruptControllerBase, b.SMMU)
		for i := 0; i < b.CPUCount; i++ {
			c := m.CPU(kernel.CPUID(i))
			role := ""
			if c.IsBootCPU() {
				role = color.GreenString(" (boot)")
			}
			fmt.Printf("  cpu%d: online=%v affinity=%#x features=%#x%s\n",
				c.ID(), c.Online(), c.Affinity(), c.Features(), role)
		}
		return nil
	},
}
