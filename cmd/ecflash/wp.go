package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// wpCommand groups the write-protect pass-through operations.
func wpCommand() *cobra.Command {
	wpCmd := &cobra.Command{
		Use:   "wp",
		Short: "Control EC flash write protection",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show write-protect state and range",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, port, err := connect()
			if err != nil {
				return err
			}
			defer port.Close()

			st, err := f.ProtectStatus()
			if err != nil {
				return err
			}
			state := "disabled"
			if st.Enabled {
				state = "enabled"
			}
			fmt.Printf("Write protect is %s\n", state)
			fmt.Printf("Range: start=%#08x, len=%#08x\n", st.Start, st.Size)
			return nil
		},
	}

	enableCmd := &cobra.Command{
		Use:   "enable",
		Short: "Enable write protection over the configured range",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, port, err := connect()
			if err != nil {
				return err
			}
			defer port.Close()
			return f.EnableProtect()
		},
	}

	disableCmd := &cobra.Command{
		Use:   "disable",
		Short: "Disable write protection",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, port, err := connect()
			if err != nil {
				return err
			}
			defer port.Close()

			if err := f.DisableProtect(); err != nil {
				return err
			}
			fmt.Println("Disabled. Reboot the EC and de-assert the WP pin.")
			return nil
		},
	}

	var startFlag, lenFlag uint32
	rangeCmd := &cobra.Command{
		Use:   "range",
		Short: "Set the write-protect range",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, port, err := connect()
			if err != nil {
				return err
			}
			defer port.Close()

			rule := f.ProtectRanges()
			if startFlag%rule.Unit != 0 || lenFlag%rule.Unit != 0 {
				return fmt.Errorf("start and len must be multiples of %#x", rule.Unit)
			}
			if startFlag+lenFlag > rule.Max {
				return fmt.Errorf("range exceeds flash end %#x", rule.Max)
			}
			return f.SetProtectRange(startFlag, lenFlag)
		},
	}
	rangeCmd.Flags().Uint32Var(&startFlag, "start", 0, "Range start offset")
	rangeCmd.Flags().Uint32Var(&lenFlag, "len", 0, "Range length in bytes")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Show the accepted write-protect range shape",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, port, err := connect()
			if err != nil {
				return err
			}
			defer port.Close()

			rule := f.ProtectRanges()
			fmt.Println("You can specify any range:")
			fmt.Printf("  from: %#06x, to: %#06x\n", 0, rule.Max)
			fmt.Printf("  unit: %#06x (%d KB)\n", rule.Unit, rule.Unit/1024)
			return nil
		},
	}

	wpCmd.AddCommand(statusCmd, enableCmd, disableCmd, rangeCmd, listCmd)
	return wpCmd
}
