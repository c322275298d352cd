package event

import (
	"fmt"
	"strconv"
	"strings"
)

// Template describes one control command.
//
// Fields lists the parameter labels in order; Fields[0] is also the command
// keyword. A line matches when it holds exactly len(Fields) comma-separated
// integers, the first one labelled with the keyword ("volume:75"). Later
// parameters may carry their label ("EMPTY_PARA_1:0") or be bare ("0").
type Template struct {
	Fields []string
	Build  func(args []int) Event
}

// Keyword returns the label that must open a matching line.
func (t Template) Keyword() string {
	if len(t.Fields) == 0 {
		return ""
	}
	return t.Fields[0]
}

// String renders the template in its canonical wire form.
func (t Template) String() string {
	parts := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		parts[i] = f + ":%d"
	}
	return strings.Join(parts, ",")
}

// match extracts the template's parameters from line.
func (t Template) match(line string) ([]int, bool) {
	parts := strings.Split(line, ",")
	if len(parts) != len(t.Fields) {
		return nil, false
	}

	args := make([]int, len(parts))
	for i, part := range parts {
		label, value, labelled := strings.Cut(part, ":")
		if !labelled {
			if i == 0 {
				return nil, false
			}
			value = label
		} else if strings.TrimSpace(label) != t.Fields[i] {
			return nil, false
		}

		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return nil, false
		}
		args[i] = n
	}
	return args, true
}

// CommandTable matches control lines against an ordered template list.
//
// Thread Safety:
//   - Immutable after construction; safe for concurrent use.
type CommandTable struct {
	templates []Template
}

// NewCommandTable creates a table that tries templates in the given order.
func NewCommandTable(templates ...Template) (*CommandTable, error) {
	seen := make(map[string]bool, len(templates))
	for i, t := range templates {
		if len(t.Fields) == 0 || t.Build == nil {
			return nil, fmt.Errorf("%w: template %d needs fields and a builder", ErrInvalidTemplate, i)
		}
		if seen[t.Keyword()] {
			return nil, fmt.Errorf("%w: duplicate keyword %q", ErrInvalidTemplate, t.Keyword())
		}
		seen[t.Keyword()] = true
	}
	return &CommandTable{templates: templates}, nil
}

// DefaultTemplates returns the program-change and volume commands understood
// by the control socket.
func DefaultTemplates() []Template {
	return []Template{
		{
			Fields: []string{"channel", "instrument", "EMPTY_PARA_1", "EMPTY_PARA_2"},
			Build: func(args []int) Event {
				return ProgramChangeEvent{Channel: args[0], Program: args[1]}
			},
		},
		{
			Fields: []string{ParamVolume, "EMPTY_PARA_1", "EMPTY_PARA_2", "EMPTY_PARA_3"},
			Build: func(args []int) Event {
				return ParameterSetEvent{Name: ParamVolume, Value: args[0]}
			},
		},
	}
}

// DefaultCommands returns a CommandTable built from DefaultTemplates.
func DefaultCommands() *CommandTable {
	return &CommandTable{templates: DefaultTemplates()}
}

// Templates returns a copy of the table's templates in match order.
func (c *CommandTable) Templates() []Template {
	out := make([]Template, len(c.templates))
	copy(out, c.templates)
	return out
}

// Decode matches a single control line. Surrounding whitespace, carriage
// returns and NUL padding are ignored.
//
// Returns:
//   - Event: built by the first matching template
//   - error: ErrUnrecognizedCommand when nothing matches
func (c *CommandTable) Decode(line string) (Event, error) {
	line = strings.Trim(line, " \t\r\n\x00")
	if line == "" {
		return nil, fmt.Errorf("%w: empty line", ErrUnrecognizedCommand)
	}

	for _, t := range c.templates {
		if args, ok := t.match(line); ok {
			return t.Build(args), nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnrecognizedCommand, line)
}
