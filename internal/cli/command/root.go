package command

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/tablesnap-go/internal/cli/connection"
	"github.com/yndnr/tablesnap-go/internal/cli/output"
	"github.com/yndnr/tablesnap-go/internal/infra/buildinfo"
)

// DefaultServer matches the server's default admin listener.
const DefaultServer = "127.0.0.1:5480"

// App creates the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:    "tablesnap-cli",
		Usage:   "tablesnap command-line management tool",
		Version: buildinfo.String(),
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			SaveCommand(),
			StatusCommand(),
			ReadyCommand(),
			SnapshotCommand(),
			ConfigCommand(),
		},
		Before: func(c *cli.Context) error {
			_, err := output.ParseFormat(c.String("output"))
			return err
		},
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "server",
			Aliases: []string{"s"},
			Usage:   "admin API address (host:port or URL)",
			EnvVars: []string{"TABLESNAP_SERVER"},
			Value:   DefaultServer,
		},
		&cli.StringFlag{
			Name:    "token",
			Aliases: []string{"t"},
			Usage:   "admin bearer token",
			EnvVars: []string{"TABLESNAP_ADMIN_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "ca-file",
			Usage:   "PEM bundle of extra CAs to trust (implies https)",
			EnvVars: []string{"TABLESNAP_CA_FILE"},
		},
		&cli.BoolFlag{
			Name:  "insecure",
			Usage: "skip TLS certificate verification (implies https)",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "request timeout",
			Value: 2 * time.Minute,
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "output format: table, json, yaml",
			Value:   "table",
		},
		&cli.BoolFlag{
			Name:    "wide",
			Aliases: []string{"w"},
			Usage:   "show more columns",
		},
		&cli.BoolFlag{
			Name:  "no-headers",
			Usage: "omit table headers",
		},
	}
}

// GlobalFlags holds the flags shared by all commands.
type GlobalFlags struct {
	Server   string
	Token    string
	CAFile   string
	Insecure bool
	Timeout  time.Duration

	Output    output.Format
	Wide      bool
	NoHeaders bool
}

// ParseGlobalFlags extracts global flags from context.
func ParseGlobalFlags(c *cli.Context) *GlobalFlags {
	format, err := output.ParseFormat(c.String("output"))
	if err != nil {
		format = output.FormatTable
	}
	return &GlobalFlags{
		Server:    c.String("server"),
		Token:     c.String("token"),
		CAFile:    c.String("ca-file"),
		Insecure:  c.Bool("insecure"),
		Timeout:   c.Duration("timeout"),
		Output:    format,
		Wide:      c.Bool("wide"),
		NoHeaders: c.Bool("no-headers"),
	}
}

// newClient builds an admin API client from the global flags.
func newClient(c *cli.Context) (*connection.Client, error) {
	flags := ParseGlobalFlags(c)
	return connection.NewClient(connection.Options{
		Server:   flags.Server,
		Token:    flags.Token,
		CAFile:   flags.CAFile,
		Insecure: flags.Insecure,
		Timeout:  flags.Timeout,
	})
}

// requestContext bounds a command by --timeout.
func requestContext(c *cli.Context) (context.Context, context.CancelFunc) {
	ctx := c.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if d := c.Duration("timeout"); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// printResult writes data in the selected output format.
func printResult(c *cli.Context, data any) error {
	flags := ParseGlobalFlags(c)
	f := output.NewFormatter(flags.Output, flags.Wide)
	if tf, ok := f.(*output.TableFormatter); ok {
		tf.NoHeaders = flags.NoHeaders
	}
	return f.Format(c.App.Writer, data)
}

// tableOutput reports whether output is a human readable table.
func tableOutput(c *cli.Context) bool {
	return ParseGlobalFlags(c).Output == output.FormatTable
}

// printf writes human readable feedback. It is silent for json and yaml
// output so scripts only see the document.
func printf(c *cli.Context, format string, args ...any) {
	if tableOutput(c) {
		fmt.Fprintf(c.App.Writer, format, args...)
	}
}
