package main

import (
	"errors"
	goflag "flag"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bigbag/ecflash/internal/detect"
	"github.com/bigbag/ecflash/internal/flasher"
	"github.com/bigbag/ecflash/internal/serial"
	"github.com/bigbag/ecflash/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	portFlag    string
	baudFlag    int
	verifyFlag  bool
	retriesFlag int
	addrFlag    uint32
	sizeFlag    uint32
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ecflash",
		Short: "Update embedded controller (EC) firmware over a serial link",
		Long: `ecflash safely rewrites the flash of an embedded controller that is
executing from that same flash. Blocks the EC refuses to touch (because
they overlap the running firmware copy) are deferred: the EC is rebooted
into another copy and the update runs a second pass.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	pf.IntVarP(&baudFlag, "baud", "b", 115200, "Baud rate")
	pf.AddGoFlagSet(goflag.CommandLine) // glog's -v / -logtostderr

	flashCmd := &cobra.Command{
		Use:   "flash <image>",
		Short: "Flash a firmware image to the EC",
		Long: `Flash a firmware image (.bin or Intel-HEX .hex) to the EC.

The image's flash map names the RO/RW firmware sections. The EC is moved
to the RO copy first so both RW copies are writable; blocks inside the
executing copy are retried in a second pass after another reboot.`,
		Args: cobra.ExactArgs(1),
		RunE: runFlash,
	}
	flashCmd.Flags().BoolVar(&verifyFlag, "verify", true, "Verify each transferred chunk against the EC checksum")
	flashCmd.Flags().IntVar(&retriesFlag, "checksum-retries", 8, "Checksum mismatch retries per chunk")

	readCmd := &cobra.Command{
		Use:   "read <out.bin>",
		Short: "Read EC flash into a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runRead,
	}
	readCmd.Flags().Uint32Var(&addrFlag, "addr", 0, "Start offset")
	readCmd.Flags().Uint32Var(&sizeFlag, "size", 0, "Byte count (0 = whole flash)")
	readCmd.Flags().BoolVar(&verifyFlag, "verify", true, "Verify each transferred chunk against the EC checksum")

	eraseCmd := &cobra.Command{
		Use:   "erase",
		Short: "Erase a flash range",
		RunE:  runErase,
	}
	eraseCmd.Flags().Uint32Var(&addrFlag, "addr", 0, "Start offset")
	eraseCmd.Flags().Uint32Var(&sizeFlag, "size", 0, "Byte count (0 = whole flash)")
	eraseCmd.Flags().BoolVar(&verifyFlag, "verify", true, "Verify the range reads blank afterwards")

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show EC flash geometry",
		RunE:  runInfo,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ecflash %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(flashCmd, readCmd, eraseCmd, wpCommand(), infoCmd, listCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig fills unset flags from ~/.ecflash.yaml or ECFLASH_*
// environment variables.
func loadConfig(cmd *cobra.Command) error {
	viper.SetConfigName(".ecflash")
	viper.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
	}
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("ecflash")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("config: %w", err)
		}
	}

	for _, name := range []string{"port", "baud", "verify", "checksum-retries"} {
		flag := cmd.Flags().Lookup(name)
		if flag == nil || flag.Changed || !viper.IsSet(name) {
			continue
		}
		if err := flag.Value.Set(viper.GetString(name)); err != nil {
			return fmt.Errorf("config %s: %w", name, err)
		}
	}
	return nil
}

// connect opens the configured (or first detected) port and probes the EC.
func connect() (*flasher.Flasher, *serial.Port, error) {
	name := portFlag
	if name == "" {
		fmt.Println("Detecting EC...")
		result, err := detect.First(baudFlag)
		if err != nil {
			return nil, nil, fmt.Errorf("EC detection failed: %w", err)
		}
		name = result.Port
		fmt.Printf("Found EC on %s\n", name)
	}

	port, err := serial.Open(name, baudFlag)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open port: %w", err)
	}

	f := flasher.New(transport.New(port),
		flasher.WithChecksumVerify(verifyFlag),
		flasher.WithChecksumRetryLimit(retriesFlag),
	)
	geom, err := f.Probe()
	if err != nil {
		port.Close()
		return nil, nil, fmt.Errorf("EC probe failed on %s: %w", name, err)
	}

	glog.V(1).Infof("connected to %s: %d KB flash", name, geom.FlashSize/1024)
	return f, port, nil
}

func runRead(cmd *cobra.Command, args []string) error {
	f, port, err := connect()
	if err != nil {
		return err
	}
	defer port.Close()

	size := sizeFlag
	if size == 0 {
		size = f.Geometry().FlashSize - addrFlag
	}

	fmt.Printf("Reading %d bytes from %#x...\n", size, addrFlag)
	data, err := f.Read(addrFlag, size)
	if err != nil {
		return err
	}

	if err := os.WriteFile(args[0], data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", args[0], err)
	}
	fmt.Printf("Wrote %s (%d bytes)\n", args[0], len(data))
	return nil
}

func runErase(cmd *cobra.Command, args []string) error {
	f, port, err := connect()
	if err != nil {
		return err
	}
	defer port.Close()

	size := sizeFlag
	if size == 0 {
		size = f.Geometry().FlashSize - addrFlag
	}

	fmt.Printf("Erasing %d bytes at %#x...\n", size, addrFlag)
	if err := f.Erase(addrFlag, size); err != nil {
		return err
	}
	fmt.Println("Done!")
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	if portFlag != "" {
		result, err := detect.Probe(portFlag, baudFlag)
		if err != nil {
			return fmt.Errorf("no EC on %s: %w", portFlag, err)
		}
		printResult(result)
		return nil
	}

	fmt.Println("Scanning for ECs...")
	results, err := detect.Scan(baudFlag)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("No EC found")
		return nil
	}
	for i := range results {
		printResult(&results[i])
		fmt.Println()
	}
	return nil
}

func printResult(r *detect.Result) {
	fmt.Printf("  Port:          %s\n", r.Port)
	fmt.Printf("  Flash size:    %d KB\n", r.Geometry.FlashSize/1024)
	fmt.Printf("  Write block:   %d B\n", r.Geometry.WriteBlockSize)
	fmt.Printf("  Erase block:   %d B\n", r.Geometry.EraseBlockSize)
	fmt.Printf("  Protect block: %d B\n", r.Geometry.ProtectBlockSize)
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}
	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}
	return nil
}
