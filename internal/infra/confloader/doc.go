// Package confloader provides configuration loading mechanism.
//
// This package implements a configuration loader on top of koanf:
//
//   - Sources: YAML file, .env files, environment variables, overrides
//   - Watch Support: fsnotify-based reload notification for config files
//   - Type Safety: Unmarshaling into typed structs via koanf tags
//
// Priority (highest to lowest):
//
//  1. Overrides (command-line flags)
//  2. Environment variables (.env files fill unset variables)
//  3. Configuration file
//  4. Values already present in the target struct
package confloader
