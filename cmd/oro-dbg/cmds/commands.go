package cmds

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/oro-os/dbgutil/pkg/config"
	"github.com/oro-os/dbgutil/pkg/gdbserial"
	"github.com/oro-os/dbgutil/pkg/logflags"
	"github.com/oro-os/dbgutil/pkg/qemu"
	"github.com/oro-os/dbgutil/pkg/terminal"
	"github.com/oro-os/dbgutil/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string

	// qemuBinary overrides the emulator configured in the config file.
	qemuBinary string
	// startHalted is whether QEMU starts with its vCPUs stopped.
	startHalted bool
	// socketTimeout is how long to wait for the QMP and gdb sockets.
	socketTimeout time.Duration
	// noDebugger disables the gdb client.
	noDebugger bool
	// qemuLog is the file QEMU's standard output and error are written to.
	qemuLog string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const oroDbgCommandLongDesc = `oro-dbg is a debugger for the Oro kernel running under QEMU.

oro-dbg starts QEMU with a QMP control socket and a gdb stub, both on unix
sockets in a private temporary directory, attaches to them and opens an
interactive terminal. QEMU is killed and the sockets removed when the
terminal exits.

Pass arguments to QEMU using ` + "`--`" + `, for example:

` + "`oro-dbg qemu -- -m 512M -kernel oro.elf -serial file:serial.log`"

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	// Main oro-dbg root command.
	rootCommand = &cobra.Command{
		Use:   "oro-dbg",
		Short: "oro-dbg is a debugger for the Oro kernel running under QEMU.",
		Long:  oroDbgCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debugging logs.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'oro-dbg help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'oro-dbg help log').")

	// 'qemu' subcommand.
	qemuCommand := &cobra.Command{
		Use:   "qemu [flags] -- [qemu arguments]",
		Short: "Start QEMU and begin debugging the guest.",
		Long: `Starts QEMU and begins debugging the guest.

The emulator and any default arguments are taken from the configuration
file (see 'config -list' in the terminal). The arguments after -- are
appended to them, followed by the -qmp and -gdb socket arguments.

Unless --halted=false is given (or start-halted is false in the
configuration file) QEMU is started with -S, the virtual machine does not
run until 'continue' is used.`,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(cmd.Flags(), args, conf))
		},
	}
	addQEMUFlags(qemuCommand.Flags())
	rootCommand.AddCommand(qemuCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("oro-dbg\n%s\n", version.OroDbgVersion)
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				fmt.Printf("%s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolP("verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	qemu		Log QEMU process lifecycle (default)
	bridge		Log the QMP control bridge
	qmpwire		Log every QMP message
	gdbwire		Log every gdb remote protocol packet

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func addQEMUFlags(fs *pflag.FlagSet) {
	fs.SetInterspersed(false)
	fs.StringVar(&qemuBinary, "qemu", "", "QEMU binary to run, overrides the configuration file.")
	fs.BoolVar(&startHalted, "halted", true, "Start QEMU with its virtual CPUs stopped (-S).")
	fs.DurationVar(&socketTimeout, "socket-timeout", qemu.DefaultSocketTimeout, "How long to wait for QEMU to create its sockets.")
	fs.BoolVar(&noDebugger, "no-debugger", false, "Do not attach to the QEMU gdb stub, QEMU then runs without waiting for a gdb client.")
	fs.StringVar(&qemuLog, "qemu-log", "", "Write QEMU's standard output and error to this file.")
}

// qemuArgs returns the command line QEMU is started with, without the
// socket arguments.
func qemuArgs(fs *pflag.FlagSet, extra []string, conf *config.Config) ([]string, error) {
	args, err := conf.BaseArgs()
	if err != nil {
		return nil, err
	}
	if fs.Changed("qemu") {
		args[0] = qemuBinary
	}
	return append(args, extra...), nil
}

// launchSettings merges the flags that were set explicitly with the
// configuration file.
func launchSettings(fs *pflag.FlagSet, conf *config.Config) (halted bool, timeout time.Duration) {
	halted = conf.Halted()
	if fs.Changed("halted") {
		halted = startHalted
	}
	timeout = conf.Timeout()
	if fs.Changed("socket-timeout") {
		timeout = socketTimeout
	}
	return halted, timeout
}

func execute(fs *pflag.FlagSet, extra []string, conf *config.Config) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	args, err := qemuArgs(fs, extra, conf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	halted, timeout := launchSettings(fs, conf)
	opts := []qemu.Option{qemu.WithStartHalted(halted), qemu.WithSocketTimeout(timeout)}

	if qemuLog != "" {
		fh, err := os.Create(qemuLog)
		if err != nil {
			fmt.Fprintf(os.Stderr, "could not create QEMU log: %v\n", err)
			return 1
		}
		defer fh.Close()
		opts = append(opts, qemu.WithOutput(fh, fh))
	}

	var client *gdbserial.Client
	if !noDebugger {
		client = gdbserial.NewClient()
		opts = append(opts, qemu.WithDebugger(client))
	}

	p, err := qemu.Launch(args, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not launch QEMU: %v\n", err)
		return 1
	}
	defer p.Shutdown()

	var dbg terminal.Debugger
	if client != nil {
		if err := p.ConnectDebugger(); err != nil {
			fmt.Fprintf(os.Stderr, "could not attach to the gdb stub: %v\n", err)
		} else {
			dbg = client
		}
	}

	term := terminal.New(p, dbg, conf)
	status, err := term.Run()
	if err != nil {
		fmt.Println(err)
	}
	return status
}
