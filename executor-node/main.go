package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/zetina-go/zetina/x/config"
	zlog "github.com/zetina-go/zetina/x/log"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "executor-node",
		Short: "Zetina executor node",
		Long:  banner + "\n\nBids on published jobs and proves the ones it wins.",
		RunE:  runApp,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run:   runVersion,
	}
)

const banner = `
 _____                     _
|  ___|_  __ ___  ___ _   _| |_ ___  _ __
| |_  \ \/ / _ \/ __| | | | __/ _ \| '__|
|  _|  >  <  __/ (__| |_| | || (_) | |
|_|   /_/\_\___|\___|\__,_|\__\___/|_|`

func main() {
	if err := execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func execute() error {
	initCommands()
	return rootCmd.Execute()
}

func initCommands() {
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "executor-node/configs/config.yaml", "config file path")
	rootCmd.PersistentFlags().String("private-key", "", "identity private key (hex, secp256k1)")
	rootCmd.PersistentFlags().String("address", "", "bidder identity advertised in JobBid messages")
	rootCmd.PersistentFlags().String("listen-address", "", "overlay listen address, e.g. :7420")
	rootCmd.PersistentFlags().StringSlice("dial-addresses", nil, "overlay bootstrap peer addresses")
	rootCmd.PersistentFlags().String("runner-binary", "", "path to the cairo-run binary")
	rootCmd.PersistentFlags().String("runner-program", "", "path to the bootloader program.json")
	rootCmd.PersistentFlags().String("prover-binary", "", "path to the cpu_air_prover binary")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-pretty", false, "enable pretty logging")
}

func runApp(cmd *cobra.Command, _ []string) error {
	fmt.Println(banner)
	fmt.Println()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(cmd, cfg)

	logger := zlog.New(cfg.Log.Level, cfg.Log.Pretty)
	logger.Info().Str("go_version", runtime.Version()).Str("config_file", cfgFile).
		Str("overlay_listen_addr", cfg.Overlay.ListenAddr).Msg("starting executor node")

	app, err := NewApp(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}
	return app.Run(cmd.Context())
}

func runVersion(*cobra.Command, []string) {
	fmt.Println(banner)
	fmt.Printf("\nGo version: %s\nOS/Arch:    %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flag("private-key").Changed {
		cfg.Identity.PrivateKeyHex, _ = cmd.Flags().GetString("private-key")
	}
	if cmd.Flag("address").Changed {
		cfg.Identity.Name, _ = cmd.Flags().GetString("address")
	}
	if cmd.Flag("listen-address").Changed {
		cfg.Overlay.ListenAddr, _ = cmd.Flags().GetString("listen-address")
	}
	if cmd.Flag("dial-addresses").Changed {
		cfg.Overlay.DialAddresses, _ = cmd.Flags().GetStringSlice("dial-addresses")
	}
	if cmd.Flag("runner-binary").Changed {
		cfg.Runner.BinaryPath, _ = cmd.Flags().GetString("runner-binary")
	}
	if cmd.Flag("runner-program").Changed {
		cfg.Runner.ProgramPath, _ = cmd.Flags().GetString("runner-program")
	}
	if cmd.Flag("prover-binary").Changed {
		cfg.Prover.BinaryPath, _ = cmd.Flags().GetString("prover-binary")
	}
	if cmd.Flag("log-level").Changed {
		cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flag("log-pretty").Changed {
		cfg.Log.Pretty, _ = cmd.Flags().GetBool("log-pretty")
	}
}
