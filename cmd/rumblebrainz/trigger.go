package main

import (
	"time"

	"github.com/spf13/cobra"
)

// triggerOptions holds flags for the trigger subcommands.
type triggerOptions struct {
	socket     string
	timeout    time.Duration
	strength   float64
	durationMS int
	motor      int
}

// motorPtr returns nil for a negative motor, which targets every motor.
func (o *triggerOptions) motorPtr() *int {
	if o.motor < 0 {
		return nil
	}
	m := o.motor
	return &m
}

func newTriggerCmd(root *rootOptions) *cobra.Command {
	opts := &triggerOptions{}

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Send a manual trigger to the running daemon",
		Long: `Send a manual trigger to the running daemon over its IPC socket.

Examples:
  rumblebrainz trigger vibrate --strength 0.8 --duration-ms 400
  rumblebrainz trigger power --strength 0.3 --motor 1
  rumblebrainz trigger stop`,
	}
	cmd.PersistentFlags().StringVar(&opts.socket, "socket", "", "IPC socket path (default from config)")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Second, "IPC round-trip timeout")

	send := func(c *cobra.Command, t Trigger) error {
		socket := opts.socket
		if socket == "" {
			cfg, err := loadConfig(root.configFile, FlagOverrides{})
			if err != nil {
				return err
			}
			socket = cfg.IPC.SocketPath
		}
		if err := SendIPCTrigger(socket, t, opts.timeout); err != nil {
			return err
		}
		c.Println("ok")
		return nil
	}

	vibrate := &cobra.Command{
		Use:   "vibrate",
		Short: "Vibrate for a fixed duration",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return send(c, VibrateTrigger{Strength: opts.strength, DurationMS: opts.durationMS, Motor: opts.motorPtr()})
		},
	}
	vibrate.Flags().Float64Var(&opts.strength, "strength", defaultManualStrength, "vibration strength")
	vibrate.Flags().IntVar(&opts.durationMS, "duration-ms", defaultManualDurationMS, "vibration duration in milliseconds")
	vibrate.Flags().IntVar(&opts.motor, "motor", AllMotors, "motor index (-1 for all motors)")

	power := &cobra.Command{
		Use:   "power",
		Short: "Hold a vibration floor until stopped or expired",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return send(c, PowerTrigger{Strength: opts.strength, Motor: opts.motorPtr()})
		},
	}
	power.Flags().Float64Var(&opts.strength, "strength", defaultManualStrength, "vibration strength")
	power.Flags().IntVar(&opts.motor, "motor", AllMotors, "motor index (-1 for all motors)")

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop every event and the device",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return send(c, StopTrigger{})
		},
	}

	cmd.AddCommand(vibrate, power, stop)
	return cmd
}
