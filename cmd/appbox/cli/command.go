// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"
)

// Command is one node in the appbox command tree: either a group that
// routes to Subcommands or a leaf with a Run function.
type Command struct {
	// Name is what the user types to select this command.
	Name string

	// Summary is the one-line description shown in the parent's
	// command listing.
	Summary string

	// Description is the long-form text shown at the top of this
	// command's own help. Falls back to Summary when empty.
	Description string

	// Usage overrides the synthesized usage line. Leaf commands with
	// positional arguments set this (e.g. "appbox pack <directory>
	// [flags]"); groups usually leave it empty.
	Usage string

	// Examples are rendered at the bottom of the help output.
	Examples []Example

	// Flags builds the command's flag set. Called fresh for each
	// parse so a Command value can be executed more than once. Nil
	// means the command takes no flags.
	Flags func() *pflag.FlagSet

	// Subcommands are dispatched by the first positional argument.
	Subcommands []*Command

	// Run receives the positional arguments left after flag parsing.
	// If both Run and Subcommands are set, a first argument that
	// matches no subcommand falls through to Run.
	Run func(args []string) error
}

// Example is a worked command line shown in help output.
type Example struct {
	// Description says what the example accomplishes.
	Description string
	// Command is the literal command line.
	Command string
}

// Execute resolves args against the command tree and runs the selected
// command. Dispatch never modifies the tree, so the same Command value
// can be executed repeatedly.
func (c *Command) Execute(args []string) error {
	return c.dispatch(c.Name, args)
}

// dispatch handles one level of the tree. path is the command line
// typed so far ("appbox", "appbox pack", ...); it appears in help
// headings and error text so the user can paste it back.
func (c *Command) dispatch(path string, args []string) error {
	if len(args) > 0 && helpRequested(args[0]) {
		// "appbox help pack" answers with pack's help; a bare help
		// flag stops at this node.
		if args[0] == "help" && len(args) > 1 {
			if sub := c.subcommand(args[1]); sub != nil {
				return sub.dispatch(path+" "+sub.Name, []string{"--help"})
			}
		}
		c.writeHelp(os.Stderr, path)
		return nil
	}

	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		if sub := c.subcommand(args[0]); sub != nil {
			return sub.dispatch(path+" "+sub.Name, args[1:])
		}
		if c.Run == nil {
			return c.unknownCommand(path, args[0])
		}
	}

	if c.Run == nil {
		// A group reached with nothing to route: show help, but fail
		// so scripts notice the command did not do anything.
		c.writeHelp(os.Stderr, path)
		if len(c.Subcommands) == 0 {
			return fmt.Errorf("%s: no action defined", path)
		}
		if len(args) > 0 {
			return fmt.Errorf("subcommand required (got flag %q)", args[0])
		}
		return fmt.Errorf("subcommand required")
	}

	return c.invoke(path, args)
}

// invoke parses flags and calls Run. Only reached for commands with a
// Run function.
func (c *Command) invoke(path string, args []string) error {
	if c.Flags != nil {
		flagSet := c.Flags()
		// Parse errors are reformatted below with a suggestion and a
		// help pointer; drop pflag's own output.
		flagSet.SetOutput(io.Discard)
		if err := flagSet.Parse(args); err != nil {
			if errors.Is(err, pflag.ErrHelp) {
				// A help flag after other arguments, e.g.
				// "appbox pack ./dir --help".
				c.writeHelp(os.Stderr, path)
				return nil
			}
			return c.flagError(path, err, args)
		}
		args = flagSet.Args()
	}
	return c.Run(args)
}

// flagError decorates a pflag parse error with a near-miss suggestion
// and a pointer to the command's help.
func (c *Command) flagError(path string, parseErr error, args []string) error {
	message := parseErr.Error()
	if strings.Contains(message, "unknown flag") ||
		strings.Contains(message, "unknown shorthand flag") {
		// Build a fresh flag set for the lookup: the failed parse may
		// have half-populated the first one.
		if hint := suggestFlag(args, c.Flags()); hint != "" {
			return fmt.Errorf("%s (did you mean %s?)\n\nRun '%s --help' for usage.",
				message, hint, path)
		}
	}
	return fmt.Errorf("%s\n\nRun '%s --help' for usage.", message, path)
}

// unknownCommand reports a routing miss, naming the closest subcommand
// when the input looks like a typo of one.
func (c *Command) unknownCommand(path, name string) error {
	if hint := suggestCommand(name, c.Subcommands); hint != "" {
		return fmt.Errorf("unknown command %q (did you mean %q?)\n\nRun '%s --help' for usage.",
			name, hint, path)
	}
	return fmt.Errorf("unknown command %q\n\nRun '%s --help' for usage.", name, path)
}

// subcommand returns the subcommand with the given name, or nil.
func (c *Command) subcommand(name string) *Command {
	for _, sub := range c.Subcommands {
		if sub.Name == name {
			return sub
		}
	}
	return nil
}

// PrintHelp writes the command's help text to w.
func (c *Command) PrintHelp(w io.Writer) {
	c.writeHelp(w, c.Name)
}

func (c *Command) writeHelp(w io.Writer, path string) {
	switch {
	case c.Description != "":
		fmt.Fprintf(w, "%s\n\n", c.Description)
	case c.Summary != "":
		fmt.Fprintf(w, "%s\n\n", c.Summary)
	}

	usage := c.Usage
	if usage == "" {
		if len(c.Subcommands) > 0 {
			usage = path + " <command> [flags]"
		} else {
			usage = path + " [flags]"
		}
	}
	fmt.Fprintf(w, "Usage:\n  %s\n", usage)

	if len(c.Subcommands) > 0 {
		width := 0
		for _, sub := range c.Subcommands {
			if len(sub.Name) > width {
				width = len(sub.Name)
			}
		}
		fmt.Fprintf(w, "\nCommands:\n")
		for _, sub := range c.Subcommands {
			fmt.Fprintf(w, "  %-*s   %s\n", width, sub.Name, sub.Summary)
		}
	}

	if c.Flags != nil {
		if flagUsage := c.Flags().FlagUsages(); flagUsage != "" {
			fmt.Fprintf(w, "\nFlags:\n%s", flagUsage)
		}
	}

	if len(c.Examples) > 0 {
		fmt.Fprintf(w, "\nExamples:\n")
		for i, example := range c.Examples {
			if i > 0 {
				fmt.Fprintln(w)
			}
			if example.Description != "" {
				fmt.Fprintf(w, "  # %s\n", example.Description)
			}
			fmt.Fprintf(w, "  %s\n", example.Command)
		}
	}

	if len(c.Subcommands) > 0 {
		fmt.Fprintf(w, "\nRun '%s <command> --help' for more information on a command.\n", path)
	}
}

// helpRequested reports whether arg asks for help.
func helpRequested(arg string) bool {
	switch arg {
	case "-h", "--help", "help":
		return true
	}
	return false
}
