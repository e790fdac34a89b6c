package bot

import (
	"fmt"
	"strconv"
	"strings"

	"digestd/internal/model"
)

// FilterArgs holds the parsed arguments of a filter command.
type FilterArgs struct {
	SourceID int64
	Scope    model.FilterScope
	Value    string
}

// ParseFilterCommand parses arguments for /include, /exclude, etc.
// Format: <source_id> [-s title|content|all] <value...>
func ParseFilterCommand(args string) (FilterArgs, error) {
	parts := strings.Fields(args)
	if len(parts) < 2 {
		return FilterArgs{}, fmt.Errorf("usage: <source_id> [-s title|content|all] <value>")
	}

	sourceID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return FilterArgs{}, fmt.Errorf("invalid source ID %q", parts[0])
	}

	scope := model.ScopeAll
	rest := parts[1:]

	if len(rest) >= 2 && rest[0] == "-s" {
		switch rest[1] {
		case "title":
			scope = model.ScopeTitle
		case "content":
			scope = model.ScopeContent
		case "all":
			scope = model.ScopeAll
		default:
			return FilterArgs{}, fmt.Errorf("invalid scope %q, use: title, content, all", rest[1])
		}
		rest = rest[2:]
	}

	if len(rest) == 0 {
		return FilterArgs{}, fmt.Errorf("filter value is required")
	}

	return FilterArgs{
		SourceID: sourceID,
		Scope:    scope,
		Value:    strings.Join(rest, " "),
	}, nil
}

// ParseIDArg extracts a numeric ID from a command argument string.
func ParseIDArg(args string) (int64, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return 0, fmt.Errorf("ID is required")
	}
	id, err := strconv.ParseInt(strings.Fields(s)[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid ID %q", s)
	}
	return id, nil
}

// ParseRmFilterArgs extracts a source ID and a 1-based filter position.
func ParseRmFilterArgs(args string) (int64, int, error) {
	parts := strings.Fields(args)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("usage: /rmfilter <source_id> <n>")
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid source ID %q", parts[0])
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil || n < 1 {
		return 0, 0, fmt.Errorf("filter number must be a positive integer")
	}
	return id, n, nil
}
