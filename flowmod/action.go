package flowmod

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ActionType identifies a forwarding action
type ActionType uint8

// Supported actions
const (
	ActionDrop ActionType = iota
	ActionOutput
	ActionController
	ActionNormal
	ActionFlood
	ActionInPort
)

// ErrInvalidAction is returned when an action can not be parsed
var ErrInvalidAction = errors.New("invalid action")

var actionNames = map[ActionType]string{
	ActionDrop:       "drop",
	ActionOutput:     "output",
	ActionController: "controller",
	ActionNormal:     "normal",
	ActionFlood:      "flood",
	ActionInPort:     "in_port",
}

// Action is a forwarding action, Port is only used by ActionOutput
type Action struct {
	Type ActionType
	Port uint32
}

// Output returns the action forwarding to the given port
func Output(port uint32) Action {
	return Action{Type: ActionOutput, Port: port}
}

// String renders the action in `ovs-ofctl` form
func (a Action) String() string {
	if a.Type == ActionOutput {
		return "output:" + strconv.FormatUint(uint64(a.Port), 10)
	}
	if name, ok := actionNames[a.Type]; ok {
		return name
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (a *Action) UnmarshalText(text []byte) error {
	parsed, err := ParseAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAction parses an action in `ovs-ofctl` form, e.g. `output:3`
func ParseAction(s string) (Action, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if strings.HasPrefix(s, "output:") {
		port, err := strconv.ParseUint(strings.TrimPrefix(s, "output:"), 10, 32)
		if err != nil {
			return Action{}, errors.Wrapf(ErrInvalidAction, "'%s'", s)
		}
		return Output(uint32(port)), nil
	}
	for t, name := range actionNames {
		if t != ActionOutput && name == s {
			return Action{Type: t}, nil
		}
	}
	return Action{}, errors.Wrapf(ErrInvalidAction, "'%s'", s)
}

// ParseActions parses a list of actions
func ParseActions(list []string) ([]Action, error) {
	actions := make([]Action, 0, len(list))
	for _, s := range list {
		a, err := ParseAction(s)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}
