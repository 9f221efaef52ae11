// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"strings"

	"github.com/spf13/pflag"
)

// maxSuggestDistance bounds how far a suggestion may be from what the
// user typed. Candidates further than this many edits away are
// suppressed rather than risk suggesting something unrelated.
const maxSuggestDistance = 3

// suggestCommand returns the subcommand name closest to the unknown
// input, or "" when nothing is within typo range.
func suggestCommand(unknown string, commands []*Command) string {
	best := ""
	bestDistance := maxSuggestDistance + 1

	for _, command := range commands {
		if distance := editDistance(unknown, command.Name); distance < bestDistance {
			bestDistance = distance
			best = command.Name
		}
	}

	return best
}

// suggestFlag scans args for the first flag the parse rejected and
// returns the closest defined flag name with its dash prefix, or ""
// when nothing is close. The scan stops at "--" because everything
// after it is positional.
func suggestFlag(args []string, flags *pflag.FlagSet) string {
	for _, arg := range args {
		if arg == "--" {
			break
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			continue
		}

		name := strings.TrimLeft(arg, "-")
		if index := strings.IndexByte(name, '='); index >= 0 {
			name = name[:index]
		}
		if name == "" {
			continue
		}

		// Skip flags the set actually defines: the rejected one is
		// further along.
		if len(name) == 1 {
			if flags.ShorthandLookup(name) != nil {
				continue
			}
		} else if flags.Lookup(name) != nil {
			continue
		}

		return closestFlagName(name, flags)
	}

	return ""
}

// closestFlagName returns the defined flag nearest to name, formatted
// with the dash prefix the user would type.
func closestFlagName(name string, flags *pflag.FlagSet) string {
	best := ""
	bestDistance := maxSuggestDistance + 1

	flags.VisitAll(func(flag *pflag.Flag) {
		if distance := editDistance(name, flag.Name); distance < bestDistance {
			bestDistance = distance
			best = flag.Name
		}
	})

	switch {
	case best == "":
		return ""
	case len(best) == 1:
		return "-" + best
	default:
		return "--" + best
	}
}

// editDistance computes the optimal string alignment distance between
// a and b: the minimum number of insertions, deletions, substitutions,
// and adjacent transpositions needed to turn one into the other.
// Counting a transposition as a single edit keeps swapped-letter typos
// like "ouptut" within suggestion range.
func editDistance(a, b string) int {
	if a == b {
		return 0
	}
	if len(a) == 0 || len(b) == 0 {
		return len(a) + len(b)
	}

	// Rolling three-row window over the distance matrix; the row two
	// back feeds the transposition case.
	twoBack := make([]int, len(b)+1)
	oneBack := make([]int, len(b)+1)
	current := make([]int, len(b)+1)
	for j := range oneBack {
		oneBack[j] = j
	}

	for i := 1; i <= len(a); i++ {
		current[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}

			deletion := oneBack[j] + 1
			insertion := current[j-1] + 1
			substitution := oneBack[j-1] + cost

			distance := min(deletion, insertion, substitution)
			if i > 1 && j > 1 && a[i-1] == b[j-2] && a[i-2] == b[j-1] {
				distance = min(distance, twoBack[j-2]+1)
			}
			current[j] = distance
		}
		twoBack, oneBack, current = oneBack, current, twoBack
	}

	return oneBack[len(b)]
}
