package command

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/tablesnap-go/internal/cli/output"
	"github.com/yndnr/tablesnap-go/internal/core/domain"
	"github.com/yndnr/tablesnap-go/internal/server/config"
	"github.com/yndnr/tablesnap-go/internal/server/httpserver/handler"
	"github.com/yndnr/tablesnap-go/internal/storage/snapshot"
)

// SnapshotCommand returns the snapshot subcommand group.
func SnapshotCommand() *cli.Command {
	return &cli.Command{
		Name:    "snapshot",
		Aliases: []string{"snap"},
		Usage:   "Snapshot file management",
		Subcommands: []*cli.Command{
			{
				Name:    "list",
				Aliases: []string{"ls"},
				Usage:   "List snapshots, oldest first",
				Flags:   []cli.Flag{dirFlag(false)},
				Action:  snapshotList,
			},
			{
				Name:      "inspect",
				Usage:     "Verify the checksum of a snapshot and show its header",
				ArgsUsage: "ID",
				Flags:     []cli.Flag{dirFlag(false)},
				Action:    snapshotInspect,
			},
			{
				Name:      "verify",
				Usage:     "Fully decode snapshots, decrypting them when needed",
				ArgsUsage: "[ID...]",
				Flags: append([]cli.Flag{
					dirFlag(true),
					&cli.BoolFlag{Name: "all", Aliases: []string{"a"}, Usage: "verify every snapshot in the directory"},
				}, keyFlags()...),
				Action: snapshotVerify,
			},
			{
				Name:      "dump",
				Usage:     "Decode a snapshot and print its entities",
				ArgsUsage: "ID",
				Flags: append([]cli.Flag{
					dirFlag(true),
					&cli.StringFlag{Name: "out", Usage: "write to this file instead of stdout"},
				}, keyFlags()...),
				Action: snapshotDump,
			},
		},
	}
}

// keyFlags select the key material used to decrypt snapshot payloads.
func keyFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "key",
			Usage:   "encryption key (raw, hex:... or base64:...)",
			EnvVars: []string{"TABLESNAP_SECURITY__ENCRYPTION_KEY"},
		},
		&cli.StringFlag{
			Name:    "passphrase",
			Usage:   "encryption passphrase",
			EnvVars: []string{"TABLESNAP_SECURITY__PASSPHRASE"},
		},
	}
}

func dirFlag(required bool) cli.Flag {
	usage := "read snapshot files from this directory instead of the server"
	if required {
		usage = "snapshot directory"
	}
	return &cli.StringFlag{
		Name:     "dir",
		Aliases:  []string{"d"},
		Usage:    usage,
		Required: required,
	}
}

// openManager opens an existing snapshot directory for reading.
func openManager(c *cli.Context) (*snapshot.Manager, error) {
	dir := c.String("dir")
	st, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("snapshot dir: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("snapshot dir: %s is not a directory", dir)
	}

	sec := config.SecuritySection{
		EncryptionKey: c.String("key"),
		Passphrase:    c.String("passphrase"),
	}
	if _, err := config.ParseKey(sec.EncryptionKey); err != nil {
		return nil, fmt.Errorf("--key: %w", err)
	}
	return snapshot.NewManager(snapshot.Config{
		Dir:        dir,
		Encryption: sec.Encryption(),
	})
}

func snapshotArg(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one snapshot ID, got %d", c.NArg())
	}
	return c.Args().First(), nil
}

func snapshotList(c *cli.Context) error {
	var items []*snapshot.Info

	if c.String("dir") != "" {
		mgr, err := openManager(c)
		if err != nil {
			return err
		}
		if items, err = mgr.List(); err != nil {
			return err
		}
	} else {
		client, err := newClient(c)
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(c)
		defer cancel()

		var resp handler.ListSnapshotsResponse
		if err := client.Get(ctx, "/admin/v1/snapshots", nil, &resp); err != nil {
			return err
		}
		items = resp.Items
	}

	if !tableOutput(c) {
		if items == nil {
			items = []*snapshot.Info{}
		}
		return printResult(c, items)
	}
	if len(items) == 0 {
		fmt.Fprintln(c.App.Writer, "No snapshots found")
		return nil
	}
	return printResult(c, snapshotTable(items, ParseGlobalFlags(c).Wide))
}

func snapshotTable(items []*snapshot.Info, wide bool) *output.Table {
	t := &output.Table{}
	headers := []string{"ID", "GENERATION", "CREATED", "ENTITIES", "ATTRIBUTES", "SIZE", "ENCRYPTED"}
	if wide {
		headers = append(headers, "CIPHER", "COLLECT", "LONGEST_BLOCK", "PATH")
	}
	t.SetHeaders(headers...)

	for _, info := range items {
		row := []string{
			info.ID,
			strconv.FormatUint(info.Generation, 10),
			output.FormatMillis(info.CreatedAt),
			strconv.Itoa(info.EntityCount),
			strconv.Itoa(info.AttributeCount),
			output.FormatBytes(info.Size),
			strconv.FormatBool(info.Encrypted),
		}
		if wide {
			cipher := info.Cipher
			if cipher == "" {
				cipher = "-"
			}
			row = append(row, cipher, info.Stats.Collect.String(), info.Stats.LongestBlock.String(), info.Path)
		}
		t.AddRow(row...)
	}
	return t
}

func snapshotInspect(c *cli.Context) error {
	id, err := snapshotArg(c)
	if err != nil {
		return err
	}

	var info *snapshot.Info
	if c.String("dir") != "" {
		mgr, err := openManager(c)
		if err != nil {
			return err
		}
		if info, err = mgr.Inspect(id); err != nil {
			return err
		}
	} else {
		client, err := newClient(c)
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(c)
		defer cancel()

		info = &snapshot.Info{}
		if err := client.Get(ctx, "/admin/v1/snapshots/"+id, nil, info); err != nil {
			return err
		}
	}

	if err := printResult(c, info); err != nil {
		return err
	}
	if tableOutput(c) && len(info.Meta) > 0 {
		fmt.Fprintln(c.App.Writer)
		t := &output.Table{}
		t.SetHeaders("META", "VALUE")
		keys := make([]string, 0, len(info.Meta))
		for k := range info.Meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t.AddRow(k, info.Meta[k])
		}
		return printResult(c, t)
	}
	return nil
}

// VerifyResult is the outcome of verifying one snapshot.
type VerifyResult struct {
	ID          string `json:"id"`
	Generation  uint64 `json:"generation"`
	EntityCount int    `json:"entity_count"`
	OK          bool   `json:"ok"`
	Error       string `json:"error,omitempty"`
}

func snapshotVerify(c *cli.Context) error {
	mgr, err := openManager(c)
	if err != nil {
		return err
	}

	ids := c.Args().Slice()
	if c.Bool("all") {
		infos, err := mgr.List()
		if err != nil {
			return err
		}
		ids = nil
		for _, info := range infos {
			ids = append(ids, info.ID)
		}
	}
	if len(ids) == 0 {
		return errors.New("no snapshots to verify: pass IDs or --all")
	}

	var progress *output.ProgressBar
	if tableOutput(c) && len(ids) > 1 {
		progress = output.NewProgressBar(c.App.ErrWriter, "Verifying", len(ids))
	}

	results := make([]VerifyResult, 0, len(ids))
	failed := 0
	for _, id := range ids {
		res := VerifyResult{ID: id, OK: true}
		info, err := mgr.Verify(id)
		if info != nil {
			res.ID = info.ID
			res.Generation = info.Generation
			res.EntityCount = info.EntityCount
		}
		if err != nil {
			res.OK = false
			res.Error = err.Error()
			failed++
		}
		results = append(results, res)
		if progress != nil {
			progress.Increment(1)
		}
	}
	if progress != nil {
		progress.Finish()
	}

	if err := printResult(c, results); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d snapshots failed verification", failed, len(results))
	}
	return nil
}

// Dump is the decoded content of a snapshot file.
type Dump struct {
	Generation uint64                                 `json:"generation"`
	CreatedAt  int64                                  `json:"created_at"`
	Meta       map[string]string                      `json:"meta,omitempty"`
	Stats      domain.SaveStats                       `json:"stats"`
	Entities   []*domain.Entity                       `json:"entities"`
	Attributes map[domain.EntityID]*domain.Attributes `json:"attributes,omitempty"`
}

func snapshotDump(c *cli.Context) error {
	id, err := snapshotArg(c)
	if err != nil {
		return err
	}
	mgr, err := openManager(c)
	if err != nil {
		return err
	}
	snap, _, err := mgr.LoadID(id)
	if err != nil {
		return err
	}

	dump := Dump{
		Generation: snap.Generation,
		CreatedAt:  snap.CreatedAt,
		Meta:       snap.Meta,
		Stats:      snap.Stats,
		Entities:   snap.Entities,
		Attributes: snap.Attributes,
	}
	if dump.Entities == nil {
		dump.Entities = []*domain.Entity{}
	}

	// A table of every entity is not useful; table output means JSON here.
	var f output.Formatter = &output.JSONFormatter{}
	if ParseGlobalFlags(c).Output == output.FormatYAML {
		f = &output.YAMLFormatter{}
	}

	path := c.String("out")
	if path == "" {
		return f.Format(c.App.Writer, dump)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	if err := f.Format(file, dump); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	fmt.Fprintf(c.App.ErrWriter, "wrote %d entities to %s\n", len(dump.Entities), path)
	return nil
}
