package main

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Log event names understood by ToEvent.
const (
	EventNameReset   = "RESET"
	EventNameVibrate = "VIBRATE"
	EventNamePower   = "POWER"
)

// Argument keys understood by ToEvent.
const (
	ArgDuration = "Duration"
	ArgStrength = "Strength"
	ArgMotor    = "Motor"
)

// Command is one parsed line of the command log:
//
//	<frame> <EVENT_NAME> [<key>:<value> ...]
type Command struct {
	Frame uint64
	Name  string
	Args  map[string]float64

	// BadArgs holds argument tokens that were skipped because they were not
	// a key:value pair or the value was not a float.
	BadArgs []string
}

// ParseCommand parses one log line.
//
// Blank lines return ErrEmptyLine. A missing or non-numeric frame, or a
// missing event name, is a parse failure. Malformed arguments do not fail
// the line; they are collected in BadArgs.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return Command{}, ErrEmptyLine
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, errMissingFrame()
	}

	frame, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return Command{}, errBadFrame(fields[0])
	}
	if len(fields) < 2 {
		return Command{}, errMissingEventName(frame)
	}

	cmd := Command{
		Frame: frame,
		Name:  fields[1],
		Args:  make(map[string]float64, len(fields)-2),
	}
	for _, tok := range fields[2:] {
		key, raw, found := strings.Cut(tok, ":")
		if !found || key == "" || raw == "" {
			cmd.BadArgs = append(cmd.BadArgs, tok)
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			cmd.BadArgs = append(cmd.BadArgs, tok)
			continue
		}
		cmd.Args[key] = v
	}
	return cmd, nil
}

// arg returns a required argument.
func (c Command) arg(key string) (float64, error) {
	v, ok := c.Args[key]
	if !ok {
		return 0, errMissingArgument(c.Name, key)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errInvalidArgument(c.Name, key, v)
	}
	return v, nil
}

// ToEvent translates the command into an engine Event.
func (c Command) ToEvent() (Event, error) {
	switch c.Name {
	case EventNameReset:
		return Event{Finished: true, Action: StopAction{}}, nil

	case EventNameVibrate:
		duration, err := c.arg(ArgDuration)
		if err != nil {
			return Event{}, err
		}
		if duration < 0 {
			return Event{}, errInvalidArgument(c.Name, ArgDuration, duration)
		}
		action, err := c.vibrateAction()
		if err != nil {
			return Event{}, err
		}
		return NewEvent(action, secondsToDuration(duration)), nil

	case EventNamePower:
		action, err := c.vibrateAction()
		if err != nil {
			return Event{}, err
		}
		return NewEvent(action, powerLifetime), nil

	default:
		return Event{}, errUnknownEvent(c.Name)
	}
}

func (c Command) vibrateAction() (VibrateAction, error) {
	strength, err := c.arg(ArgStrength)
	if err != nil {
		return VibrateAction{}, err
	}
	if strength < 0 {
		return VibrateAction{}, errInvalidArgument(c.Name, ArgStrength, strength)
	}
	motor, err := c.arg(ArgMotor)
	if err != nil {
		return VibrateAction{}, err
	}
	return VibrateAction{Strength: strength, Motor: motorIndex(motor)}, nil
}

// motorIndex truncates a float motor argument to a signed 8-bit index,
// saturating at the int8 bounds.
func motorIndex(v float64) int {
	t := math.Trunc(v)
	if t > math.MaxInt8 {
		return math.MaxInt8
	}
	if t < math.MinInt8 {
		return math.MinInt8
	}
	return int(int8(t))
}

func secondsToDuration(sec float64) time.Duration {
	d := sec * float64(time.Second)
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
