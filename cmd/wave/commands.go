package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var commandNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// customCommand is a markdown prompt template invoked as "/name args".
type customCommand struct {
	Name    string
	Content string
}

// parseSlash splits "/name rest" into name and arguments.
func parseSlash(input string) (name, args string, ok bool) {
	rest, found := strings.CutPrefix(input, "/")
	if !found {
		return "", "", false
	}
	name, args, _ = strings.Cut(rest, " ")
	if !commandNameRe.MatchString(name) {
		return "", "", false
	}
	return name, strings.TrimSpace(args), true
}

// loadCustomCommand looks for name.md in each dir in order and expands
// $ARGUMENTS. Returns nil when no dir has the command.
func loadCustomCommand(dirs []string, name, args string) (*customCommand, error) {
	for _, dir := range dirs {
		data, err := os.ReadFile(filepath.Join(dir, name+".md"))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read command %s: %w", name, err)
		}
		body := string(data)
		if strings.Contains(body, "$ARGUMENTS") {
			body = strings.ReplaceAll(body, "$ARGUMENTS", args)
		} else if args != "" {
			body = strings.TrimRight(body, "\n") + "\n\n" + args
		}
		return &customCommand{Name: name, Content: body}, nil
	}
	return nil, nil
}

func commandDirs(workdir, userDir string) []string {
	return []string{
		filepath.Join(workdir, ".wave", "commands"),
		filepath.Join(userDir, "commands"),
	}
}
