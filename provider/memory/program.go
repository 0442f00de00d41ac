package memory

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
)

// program is the simulated outcome of a command line.
type program struct {
	duration time.Duration
	exitCode int
	stdout   string
	stderr   string
}

var shells = map[string]bool{"sh": true, "bash": true, "/bin/sh": true, "/bin/bash": true}

// simulate interprets the handful of commands the simulator understands:
// sleep, echo, exit, true, false and shell wrappers around them. Commands are
// chained with && or ;. Anything else runs for defaultDuration and succeeds.
func simulate(commandLine string, defaultDuration time.Duration) program {
	words, err := shlex.Split(commandLine)
	if err != nil {
		return program{exitCode: 127, stderr: fmt.Sprintf("cannot parse command line: %v\n", err)}
	}
	return run(words, defaultDuration)
}

func run(words []string, defaultDuration time.Duration) program {
	var result program
	for _, command := range splitCommands(words) {
		step := runOne(command, defaultDuration)
		result.duration += step.duration
		result.stdout += step.stdout
		result.stderr += step.stderr
		result.exitCode = step.exitCode
		if step.exitCode != 0 {
			break
		}
	}
	return result
}

func splitCommands(words []string) [][]string {
	var commands [][]string
	var current []string
	for _, word := range words {
		if word == "&&" || word == ";" {
			if len(current) > 0 {
				commands = append(commands, current)
			}
			current = nil
			continue
		}
		current = append(current, strings.TrimSuffix(word, ";"))
		if strings.HasSuffix(word, ";") {
			commands = append(commands, current)
			current = nil
		}
	}
	if len(current) > 0 {
		commands = append(commands, current)
	}
	return commands
}

func runOne(words []string, defaultDuration time.Duration) program {
	name, args := words[0], words[1:]

	switch {
	case shells[name] && len(args) >= 2 && args[0] == "-c":
		return simulate(args[1], defaultDuration)

	case strings.EqualFold(name, "cmd") && len(args) >= 1 && strings.EqualFold(args[0], "/c"):
		return run(args[1:], defaultDuration)
	}

	switch name {
	case "sleep":
		if len(args) != 1 {
			return program{exitCode: 1, stderr: "sleep: missing operand\n"}
		}
		seconds, err := strconv.ParseFloat(args[0], 64)
		if err != nil || seconds < 0 {
			return program{exitCode: 1, stderr: fmt.Sprintf("sleep: invalid time interval '%s'\n", args[0])}
		}
		return program{duration: time.Duration(seconds * float64(time.Second))}

	case "echo":
		return program{stdout: strings.Join(args, " ") + "\n"}

	case "exit":
		code := 0
		if len(args) > 0 {
			parsed, err := strconv.Atoi(args[0])
			if err != nil {
				return program{exitCode: 2, stderr: fmt.Sprintf("exit: %s: numeric argument required\n", args[0])}
			}
			code = parsed
		}
		return program{exitCode: code}

	case "true":
		return program{}

	case "false":
		return program{exitCode: 1}

	default:
		return program{duration: defaultDuration}
	}
}
