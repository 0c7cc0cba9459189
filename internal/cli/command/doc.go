// Package command defines the tablesnap-cli commands on urfave/cli/v2.
//
//   - root.go: the application, global flags and shared helpers
//   - save.go: save, status and ready against the admin API
//   - snapshot.go: snapshot listing, inspection, verification and dumps,
//     either through the admin API or straight from a snapshot directory
//   - config.go: local configuration checks and remote reload
package command
