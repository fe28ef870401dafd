package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"govsido/host/vsido"
)

// operation is a board command available both as a subcommand and in the
// shell. Operations with subs only group their children.
type operation struct {
	name  string
	usage string
	short string
	args  cobra.PositionalArgs
	run   func(ctx context.Context, c *vsido.Client, out io.Writer, args []string) error
	subs  []operation
}

// angleCycle is the --cycle flag of the angle command
var angleCycle time.Duration

var operations = []operation{
	{name: "version", usage: "version", short: "Print the board firmware version", args: cobra.NoArgs, run: runVersion},
	{name: "walk", usage: "walk <forward> <turn>", short: "Set the walk vector, -100..100 each", args: cobra.ExactArgs(2), run: runWalk},
	{name: "angle", usage: "angle <sid> <degrees> [cycle]", short: "Move one servo", args: cobra.RangeArgs(2, 3), run: runAngle},
	{name: "servos", usage: "servos", short: "List connected servos", args: cobra.NoArgs, run: runServos},
	{name: "info", usage: "info <sid> <address> <length>", short: "Read servo memory", args: cobra.ExactArgs(3), run: runInfo},
	{name: "feedback", usage: "feedback <address> <length>", short: "Read memory of the feedback servos", args: cobra.ExactArgs(2), run: runFeedback},
	{name: "accel", usage: "accel", short: "Read the accelerometer", args: cobra.NoArgs, run: runAccel},
	{name: "ik", usage: "ik <kid>...", short: "Read IK part positions", args: cobra.MinimumNArgs(1), run: runIK},
	{name: "gpio", usage: "gpio <iid> <0|1>", short: "Drive a GPIO output", args: cobra.ExactArgs(2), run: runGPIO},
	{name: "pwm", usage: "pwm <iid> <pulse-us>", short: "Set a PWM pulse width", args: cobra.ExactArgs(2), run: runPWM},
	{name: "flash", usage: "flash", short: "Persist board settings to flash", args: cobra.NoArgs, run: runFlash},
	{name: "vid", usage: "vid", short: "Read or write board settings", subs: []operation{
		{name: "get", usage: "get <vid>...", short: "Read settings", args: cobra.MinimumNArgs(1), run: runVIDGet},
		{name: "set", usage: "set <vid> <value> [<vid> <value>...]", short: "Write settings", args: pairs, run: runVIDSet},
	}},
}

func pairs(cmd *cobra.Command, args []string) error {
	if len(args) == 0 || len(args)%2 != 0 {
		return fmt.Errorf("expected <vid> <value> pairs, got %d args", len(args))
	}
	return nil
}

// newCommand turns an operation into a cobra command that connects, runs the
// operation and disconnects
func newCommand(op operation) *cobra.Command {
	cmd := &cobra.Command{
		Use:   op.usage,
		Short: op.short,
		Args:  op.args,
	}
	for _, sub := range op.subs {
		cmd.AddCommand(newCommand(sub))
	}
	if op.run == nil {
		return cmd
	}
	run := op.run
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		client, err := connect(cmd, nil)
		if err != nil {
			return err
		}
		defer client.Close()
		return run(cmd.Context(), client, cmd.OutOrStdout(), args)
	}
	return cmd
}

func parseUint8(what, s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	return uint8(v), nil
}

func parseUint8s(what string, args []string) ([]uint8, error) {
	out := make([]uint8, 0, len(args))
	for _, arg := range args {
		v, err := parseUint8(what, arg)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func parseInt(what, s string) (int, error) {
	v, err := strconv.ParseInt(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	return int(v), nil
}

func runVersion(ctx context.Context, c *vsido.Client, out io.Writer, args []string) error {
	version, err := c.GetVersion(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "firmware version 0x%02x\n", version)
	return nil
}

func runWalk(ctx context.Context, c *vsido.Client, out io.Writer, args []string) error {
	forward, err := parseInt("forward", args[0])
	if err != nil {
		return err
	}
	turn, err := parseInt("turn", args[1])
	if err != nil {
		return err
	}
	return c.Walk(ctx, forward, turn)
}

func runAngle(ctx context.Context, c *vsido.Client, out io.Writer, args []string) error {
	sid, err := parseUint8("sid", args[0])
	if err != nil {
		return err
	}
	angle, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("invalid angle %q", args[1])
	}
	cycle := angleCycle
	if len(args) == 3 {
		if cycle, err = time.ParseDuration(args[2]); err != nil {
			return fmt.Errorf("invalid cycle %q", args[2])
		}
	}
	return c.SetServoAngle(ctx, []vsido.ServoAngle{{SID: sid, Angle: angle}}, cycle)
}

func runServos(ctx context.Context, c *vsido.Client, out io.Writer, args []string) error {
	servos, err := c.CheckConnectedServo(ctx)
	if err != nil {
		return err
	}
	if len(servos) == 0 {
		fmt.Fprintln(out, "no servos connected")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SID\tTIME(us)")
	for _, s := range servos {
		fmt.Fprintf(w, "%d\t%d\n", s.SID, s.Time)
	}
	return w.Flush()
}

func printServoData(out io.Writer, data []vsido.ServoData) {
	for _, d := range data {
		fmt.Fprintf(out, "sid %3d  @%-2d % x\n", d.SID, d.Address, d.Data)
	}
}

func runInfo(ctx context.Context, c *vsido.Client, out io.Writer, args []string) error {
	values, err := parseUint8s("info argument", args)
	if err != nil {
		return err
	}
	data, err := c.GetServoInfo(ctx, []vsido.ServoInfoRequest{{SID: values[0], Address: values[1], Length: values[2]}})
	if err != nil {
		return err
	}
	printServoData(out, data)
	return nil
}

func runFeedback(ctx context.Context, c *vsido.Client, out io.Writer, args []string) error {
	address, err := parseUint8("address", args[0])
	if err != nil {
		return err
	}
	length, err := parseUint8("length", args[1])
	if err != nil {
		return err
	}
	data, err := c.GetServoFeedback(ctx, address, length)
	if err != nil {
		return err
	}
	printServoData(out, data)
	return nil
}

func runAccel(ctx context.Context, c *vsido.Client, out io.Writer, args []string) error {
	accel, err := c.GetAcceleration(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "x=%d y=%d z=%d\n", accel.X, accel.Y, accel.Z)
	return nil
}

func runIK(ctx context.Context, c *vsido.Client, out io.Writer, args []string) error {
	kids, err := parseUint8s("kid", args)
	if err != nil {
		return err
	}
	targets, err := c.GetIK(ctx, kids)
	if err != nil {
		return err
	}
	for _, t := range targets {
		fmt.Fprintf(out, "kid %2d  x=%d y=%d z=%d\n", t.KID, t.X, t.Y, t.Z)
	}
	return nil
}

func runGPIO(ctx context.Context, c *vsido.Client, out io.Writer, args []string) error {
	values, err := parseUint8s("gpio argument", args)
	if err != nil {
		return err
	}
	return c.SetGPIO(ctx, []vsido.GPIO{{IID: values[0], Value: values[1]}})
}

func runPWM(ctx context.Context, c *vsido.Client, out io.Writer, args []string) error {
	iid, err := parseUint8("iid", args[0])
	if err != nil {
		return err
	}
	pulse, err := parseInt("pulse", args[1])
	if err != nil {
		return err
	}
	return c.SetPWMPulseWidth(ctx, []vsido.PWMPulse{{IID: iid, Pulse: pulse}})
}

func runFlash(ctx context.Context, c *vsido.Client, out io.Writer, args []string) error {
	return c.WriteFlash(ctx)
}

func runVIDGet(ctx context.Context, c *vsido.Client, out io.Writer, args []string) error {
	vids, err := parseUint8s("vid", args)
	if err != nil {
		return err
	}
	values, err := c.GetVIDValue(ctx, vids)
	if err != nil {
		return err
	}
	for _, v := range values {
		fmt.Fprintf(out, "vid %3d = %d (0x%02x)\n", v.VID, v.Value, v.Value)
	}
	return nil
}

func runVIDSet(ctx context.Context, c *vsido.Client, out io.Writer, args []string) error {
	if err := pairs(nil, args); err != nil {
		return err
	}
	raw, err := parseUint8s("vid argument", args)
	if err != nil {
		return err
	}
	values := make([]vsido.VIDValue, 0, len(raw)/2)
	for i := 0; i < len(raw); i += 2 {
		values = append(values, vsido.VIDValue{VID: raw[i], Value: raw[i+1]})
	}
	return c.SetVIDValue(ctx, values)
}

// findOperation resolves the leading words of args to an operation, returning
// the remaining arguments
func findOperation(ops []operation, args []string) (operation, []string, bool) {
	if len(args) == 0 {
		return operation{}, nil, false
	}
	name := strings.ToLower(args[0])
	for _, op := range ops {
		if op.name != name {
			continue
		}
		if len(op.subs) > 0 {
			return findOperation(op.subs, args[1:])
		}
		return op, args[1:], true
	}
	return operation{}, nil, false
}

func init() {
	for _, op := range operations {
		cmd := newCommand(op)
		if op.name == "angle" {
			cmd.Flags().DurationVar(&angleCycle, "cycle", 0, "time to reach the angle, 0..1s")
		}
		rootCmd.AddCommand(cmd)
	}
}
