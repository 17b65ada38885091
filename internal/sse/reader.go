package sse

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// Event is one parsed frame. Data lines are joined with newlines.
type Event struct {
	ID   string
	Name string
	Data string
}

// ErrStop may be returned by the callback of Read to end reading without an
// error.
var ErrStop = errors.New("sse: stop")

// Read parses frames from r and calls fn for every frame that carries data.
// It returns nil at EOF or when fn returns ErrStop. A trailing frame without
// the terminating blank line is still delivered.
func Read(r io.Reader, fn func(Event) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 8<<20)

	var (
		ev      Event
		data    []string
		hasData bool
	)
	dispatch := func() error {
		defer func() { ev, data, hasData = Event{}, nil, false }()
		if !hasData {
			return nil
		}
		ev.Data = strings.Join(data, "\n")
		return fn(ev)
	}

	for sc.Scan() {
		line := strings.TrimSuffix(sc.Text(), "\r")
		if line == "" {
			if err := dispatch(); err != nil {
				return stopped(err)
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			ev.ID = value
		case "event":
			ev.Name = value
		case "data":
			data = append(data, value)
			hasData = true
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return stopped(dispatch())
}

func stopped(err error) error {
	if errors.Is(err, ErrStop) {
		return nil
	}
	return err
}
