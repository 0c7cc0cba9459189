package command

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/tablesnap-go/internal/cli/connection"
	"github.com/yndnr/tablesnap-go/internal/cli/output"
	"github.com/yndnr/tablesnap-go/internal/core/coordinator"
	"github.com/yndnr/tablesnap-go/internal/server/httpserver/handler"
	"github.com/yndnr/tablesnap-go/internal/storage"
)

// SaveCommand returns the save command.
func SaveCommand() *cli.Command {
	return &cli.Command{
		Name:  "save",
		Usage: "Take a snapshot of the entity table",
		Description: "A background save is collected in batches between frames and fails\n" +
			"if another save is running. A blocking save supersedes any running\n" +
			"collection and copies the whole table at once.",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "blocking",
				Aliases: []string{"b"},
				Usage:   "collect synchronously, superseding a running save",
			},
			&cli.BoolFlag{
				Name:  "no-wait",
				Usage: "return once the collection has started",
			},
		},
		Action: runSave,
	}
}

// StatusCommand returns the status command.
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show engine and collection status",
		Action: runStatus,
	}
}

// ReadyCommand returns the ready command.
func ReadyCommand() *cli.Command {
	return &cli.Command{
		Name:   "ready",
		Usage:  "Check that the server has recovered and is running",
		Action: runReady,
	}
}

func runSave(c *cli.Context) error {
	client, err := newClient(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	urgency := coordinator.Background
	if c.Bool("blocking") {
		urgency = coordinator.Blocking
	}
	q := url.Values{
		"mode": {urgency.String()},
		"wait": {strconv.FormatBool(!c.Bool("no-wait"))},
	}

	if c.Bool("no-wait") {
		var accepted handler.SaveAccepted
		if err := client.Post(ctx, "/admin/v1/save", q, nil, &accepted); err != nil {
			return saveError(err)
		}
		printf(c, "Started %s save of generation %d\n", accepted.Urgency, accepted.Generation)
		if tableOutput(c) {
			return nil
		}
		return printResult(c, accepted)
	}

	var spinner *output.Spinner
	if tableOutput(c) {
		spinner = output.NewSpinner(c.App.ErrWriter, fmt.Sprintf("Saving (%s)...", urgency))
		spinner.Start()
	}

	var res storage.SaveResult
	err = client.Post(ctx, "/admin/v1/save", q, nil, &res)
	if spinner != nil {
		if err != nil {
			spinner.Fail("save failed")
		} else {
			spinner.Success(fmt.Sprintf("generation %d collected", res.Generation))
		}
	}
	if err != nil {
		return saveError(err)
	}
	return printResult(c, res)
}

// saveError adds a hint for the conflicts a caller can resolve.
func saveError(err error) error {
	switch {
	case connection.IsCode(err, "TS-SAVE-4091"):
		return fmt.Errorf("%w\nhint: wait for it to finish or use --blocking", err)
	case connection.IsCode(err, "TS-SAVE-4090"):
		return fmt.Errorf("%w\nhint: a blocking save replaced this one", err)
	}
	return err
}

func runStatus(c *cli.Context) error {
	client, err := newClient(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	var status storage.Status
	if err := client.Get(ctx, "/admin/v1/save", nil, &status); err != nil {
		return err
	}
	return printResult(c, status)
}

func runReady(c *cli.Context) error {
	client, err := newClient(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	var res map[string]string
	if err := client.Get(ctx, "/ready", nil, &res); err != nil {
		return err
	}
	printf(c, "✓ %s is ready\n", client.BaseURL())
	if tableOutput(c) {
		return nil
	}
	return printResult(c, res)
}
