package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// Options the renderer sets itself; operator extra args may not touch them.
var reservedOptions = map[string]bool{
	"-i":              true,
	"-filter_complex": true,
	"-lavfi":          true,
	"-map":            true,
	"-progress":       true,
	"-f":              true,
}

// SplitCommand splits an argument string the way a shell would, without
// ever invoking one.
func SplitCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command syntax: %w", err)
	}
	return args, nil
}

// SanitizeExtraArgs rejects operator arguments that could add inputs or
// outputs, or that carry shell metacharacters.
func SanitizeExtraArgs(args []string) error {
	for _, arg := range args {
		if reservedOptions[arg] {
			return fmt.Errorf("option %s is reserved", arg)
		}
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
	}
	return nil
}

// ParseExtraArgs splits and sanitizes FF_EXTRA_ARGS.
func ParseExtraArgs(raw string) ([]string, error) {
	args, err := SplitCommand(raw)
	if err != nil {
		return nil, err
	}
	if err := SanitizeExtraArgs(args); err != nil {
		return nil, err
	}
	return args, nil
}
