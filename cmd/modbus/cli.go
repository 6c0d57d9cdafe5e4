package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	modbus "github.com/grid-x/modbus-cli"
	"github.com/grid-x/modbus-cli/definitions"
)

// newRootCmd returns the modbus command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modbus [flags] DEVICE ACCESS...",
		Short: "Read and write registers of a Modbus device",
		Long: `Read and write registers of a Modbus device over a serial line (RTU)
or TCP.

DEVICE is a serial device such as /dev/ttyUSB0 or rtu:///dev/ttyUSB0, or
a TCP host such as 10.0.0.5, [fe80::1]:1502 or tcp://plc:502.

ACCESS is a register, optionally assigned a value to write:

  [kind@]address[/format][:symbols|bits][=value]

kind is c (coil), d (discrete input), h (holding register, the default)
or i (input register). Names and shell patterns from the register
definition files may be used in place of a register.`,
		Example: `  modbus /dev/ttyUSB0 h@100/f 101/2H
  modbus -B le 10.0.0.5 h@7/I=123456 c@3=on
  modbus -r meter.modbus 10.0.0.5 'voltage_*'`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := LoadConfig(cmd.Flags(), configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.Verbose)
			defer func() { _ = logger.Sync() }()

			return run(cmd, cfg, logger, args[0], args[1:])
		},
	}
	registerFlags(cmd.Flags(), DefaultConfig())
	return cmd
}

// run performs the accesses on the device and prints the values read.
func run(cmd *cobra.Command, cfg *Config, logger *zap.Logger, device string, tokens []string) error {
	defs, warnings, err := definitions.Load(cfg.DefinitionFiles())
	if !cfg.Silent {
		warn(logger, warnings)
	}
	if err != nil {
		return err
	}

	specs, warnings, err := modbus.ParseAccesses(tokens, defs)
	warn(logger, warnings)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		logger.Debug("no register to access")
		return nil
	}

	policy, err := modbus.ParseByteOrder(cfg.ByteOrder)
	if err != nil {
		return err
	}
	accesses, err := modbus.Group(specs, policy)
	if err != nil {
		return err
	}
	for i := range accesses {
		logger.Debug("access", zap.Stringer("access", &accesses[i]), zap.Int("fields", len(accesses[i].Specs)))
	}

	transport, err := newTransport(device, cfg, &debugAdapter{logger.Sugar()})
	if err != nil {
		return err
	}
	if err = transport.Connect(); err != nil {
		return err
	}
	defer transport.Close()

	report, err := modbus.NewEngine(transport).Perform(accesses, modbus.NewTextPresenter(cmd.OutOrStdout(), defs))
	if report != nil {
		warn(logger, report.Warnings)
	}
	return err
}

func warn(logger *zap.Logger, warnings []modbus.Warning) {
	for _, w := range warnings {
		logger.Warn(w.Err.Error(), zap.String("subject", w.Subject))
	}
}
