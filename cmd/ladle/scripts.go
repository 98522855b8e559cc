package main

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/starwalkn/ladle"
	"github.com/starwalkn/ladle/internal/metric"
	"github.com/starwalkn/ladle/internal/script"
)

var scriptsCmd = &cobra.Command{
	Use:          "scripts",
	Short:        "Compile the scripts directory and show the execution order",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := ladle.LoadConfig(configPath())
		if err != nil {
			return err
		}

		svc, err := ladle.New(cfg, zap.NewNop(), metric.NewNop())
		if err != nil {
			return err
		}

		if err = svc.Load(cmd.Context()); err != nil {
			return err
		}

		snap := svc.Registry().Snapshot()

		fmt.Fprintln(cmd.OutOrStdout(), renderScripts("REQMOD", snap.Request))
		fmt.Fprintln(cmd.OutOrStdout(), renderScripts("RESPMOD", snap.Response))

		return nil
	},
}

func init() {
	rootCmd.AddCommand(scriptsCmd)
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	offStyle    = cellStyle.Foreground(lipgloss.Color("8"))
	errStyle    = cellStyle.Foreground(lipgloss.Color("9"))
)

// renderScripts draws one mode's scripts in execution order.
func renderScripts(title string, ds []*script.Descriptor) string {
	rows := make([][]string, 0, len(ds))
	broken := make(map[int]bool)

	for i, d := range ds {
		st := d.Status()

		state := "on"
		if !st.Enabled {
			state = "off"
		}

		problem := st.PendingError
		if problem != "" {
			broken[i] = true
		}

		rows = append(rows, []string{
			strconv.Itoa(st.Order),
			st.Name,
			st.Engine,
			state,
			st.Timeout,
			problem,
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("ORDER", "NAME", "ENGINE", "STATE", "TIMEOUT", "PENDING ERROR").
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case broken[row]:
				return errStyle
			case rows[row][3] == "off":
				return offStyle
			default:
				return cellStyle
			}
		})

	return titleStyle.Render(fmt.Sprintf("%s (%d)", title, len(ds))) + "\n" + t.String()
}
