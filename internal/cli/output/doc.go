// Package output renders CLI results.
//
//   - formatter.go: Formatter interface and format selection
//   - table.go: reflection based tables with wide mode
//   - json.go, yaml.go: machine readable output
//   - spinner.go, progress.go: feedback for long running commands
package output
