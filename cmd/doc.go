// Package cmd implements the command-line interface for schedulefewer.
//
// This package provides the following commands:
//   - serve: Start the OAuth-secured MCP server for Google Calendar tools
//   - version: Display version information
//
// The serve command is the default command when no subcommand is specified.
package cmd
