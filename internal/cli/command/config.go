package command

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/tablesnap-go/internal/infra/confloader"
	"github.com/yndnr/tablesnap-go/internal/server/config"
)

// ConfigCommand returns the config subcommand group.
func ConfigCommand() *cli.Command {
	localFlags := func() []cli.Flag {
		return []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "server configuration file",
			},
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "dotenv files loaded before the environment",
			},
		}
	}

	return &cli.Command{
		Name:  "config",
		Usage: "Server configuration",
		Subcommands: []*cli.Command{
			{
				Name:   "check",
				Usage:  "Load and validate a server configuration the way the server does",
				Flags:  localFlags(),
				Action: configCheck,
			},
			{
				Name:   "show",
				Usage:  "Print the effective server configuration with secrets masked",
				Flags:  localFlags(),
				Action: configShow,
			},
			{
				Name:   "reload",
				Usage:  "Ask a running server to reload its configuration",
				Action: configReload,
			},
		},
	}
}

// loadServerConfig mirrors the server's startup: defaults, then file,
// dotenv files and TABLESNAP_ environment variables.
func loadServerConfig(c *cli.Context) (*config.ServerConfig, *confloader.Loader, error) {
	loader := confloader.NewLoader(
		confloader.WithConfigFile(c.String("config")),
		confloader.WithDotEnv(c.StringSlice("env-file")...),
	)
	cfg := config.Default()
	if err := loader.Load(cfg); err != nil {
		return nil, loader, err
	}
	return cfg, loader, config.Verify(cfg)
}

func configCheck(c *cli.Context) error {
	_, loader, err := loadServerConfig(c)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}
	source := loader.FilePath()
	if source == "" {
		source = "defaults and environment"
	}
	fmt.Fprintf(c.App.Writer, "✓ configuration is valid (%s)\n", source)
	return nil
}

func configShow(c *cli.Context) error {
	cfg, _, err := loadServerConfig(c)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}
	keys := flattenConfig(config.Sanitize(cfg))

	if tableOutput(c) {
		return printResult(c, keys)
	}
	return printResult(c, keysToMap(keys))
}

func configReload(c *cli.Context) error {
	client, err := newClient(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	if err := client.Post(ctx, "/admin/v1/config/reload", nil, nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "✓ configuration reloaded on %s\n", client.BaseURL())
	return nil
}

// ConfigKey is one dotted configuration key and its value.
type ConfigKey struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// flattenConfig lists the koanf keys of cfg in declaration order, the
// same names accepted in files and as TABLESNAP_ variables.
func flattenConfig(cfg any) []ConfigKey {
	var keys []ConfigKey
	var walk func(v reflect.Value, prefix string)
	walk = func(v reflect.Value, prefix string) {
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			name := field.Tag.Get("koanf")
			if name == "" || !field.IsExported() {
				continue
			}
			fv := v.Field(i)
			if fv.Kind() == reflect.Struct {
				walk(fv, prefix+name+".")
				continue
			}
			keys = append(keys, ConfigKey{Key: prefix + name, Value: configValue(fv)})
		}
	}

	v := reflect.ValueOf(cfg)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	walk(v, "")
	return keys
}

func configValue(v reflect.Value) string {
	if d, ok := v.Interface().(time.Duration); ok {
		return d.String()
	}
	if v.Kind() == reflect.Slice {
		parts := make([]string, v.Len())
		for i := range parts {
			parts[i] = fmt.Sprint(v.Index(i).Interface())
		}
		return strings.Join(parts, ",")
	}
	return fmt.Sprint(v.Interface())
}

func keysToMap(keys []ConfigKey) map[string]string {
	m := make(map[string]string, len(keys))
	for _, k := range keys {
		m[k.Key] = k.Value
	}
	return m
}
