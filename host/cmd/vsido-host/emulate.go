package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"govsido/host/emulator"
	"govsido/host/serial"
)

var (
	emulateAck      bool
	emulatePadVID   bool
	emulateServos   []int
	emulateFirmware uint8
)

var emulateCmd = &cobra.Command{
	Use:   "emulate",
	Short: "Act as a V-Sido CONNECT board on the serial port",
	Long: `emulate answers V-Sido requests on --device, for example one end of a
virtual null-modem pair, so host software can be exercised without hardware.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		servos := make([]byte, 0, len(emulateServos))
		for _, sid := range emulateServos {
			if sid < 1 || sid > 254 {
				return fmt.Errorf("invalid servo id %d, want 1..254", sid)
			}
			servos = append(servos, byte(sid))
		}

		serialCfg := cfg.SerialConfig()
		port, err := serial.Open(&serialCfg)
		if err != nil {
			return fmt.Errorf("failed to open serial port: %w", err)
		}
		defer port.Close()

		device := emulator.New(port, emulator.Options{
			FirmwareVersion: emulateFirmware,
			AckWrites:       emulateAck,
			PadVIDReply:     emulatePadVID,
			Servos:          servos,
			Logger:          &logger,
		})

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "emulating on %s\n", serialCfg.Device)
		fmt.Fprintln(w, "OP\tCOMMAND")
		for _, c := range device.Registry().Commands() {
			fmt.Fprintf(w, "0x%02x\t%s\n", c.Op, c.Name)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		err = device.Run(cmd.Context())
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	emulateCmd.Flags().BoolVar(&emulateAck, "ack", false, "acknowledge write commands")
	emulateCmd.Flags().BoolVar(&emulatePadVID, "pad-vid", false, "append a zero byte to VID replies")
	emulateCmd.Flags().IntSliceVar(&emulateServos, "servos", []int{1, 2, 3}, "servo ids reported as connected")
	emulateCmd.Flags().Uint8Var(&emulateFirmware, "firmware", emulator.DefaultFirmwareVersion, "firmware version reported in VID 254")
	rootCmd.AddCommand(emulateCmd)
}
