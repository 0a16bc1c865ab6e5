package chat

import "strings"

// Command is a parsed chat invocation, e.g. "request dev developers 90"
// becomes {Name: "request", Args: ["dev", "developers", "90"]}.
type Command struct {
	Name string
	Args []string
}

// ParseCommand splits the free-text portion of a chat invocation. An
// empty text parses as the help command.
func ParseCommand(text string) Command {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Command{Name: "help"}
	}
	return Command{
		Name: strings.ToLower(fields[0]),
		Args: fields[1:],
	}
}
