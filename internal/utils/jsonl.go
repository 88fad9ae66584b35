package utils

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"alertTrader/internal/domain"
	"alertTrader/internal/ports"
)

// ReadEventsFromJSONL reads one JSON event per line. Blank lines are ignored.
func ReadEventsFromJSONL(filename string) ([]domain.Event, []RowError, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()
	return ParseEventsJSONL(file)
}

// ParseEventsJSONL is ReadEventsFromJSONL over a reader.
func ParseEventsJSONL(r io.Reader) ([]domain.Event, []RowError, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var events []domain.Event
	var rejects []RowError
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var ev domain.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			rejects = append(rejects, RowError{Line: line, Err: fmt.Errorf("%w: %v", ports.ErrMalformedEvent, err)})
			continue
		}
		ev = ev.Normalized()
		ev.Ticker = strings.ToUpper(ev.Ticker)
		if err := ev.Validate(); err != nil {
			rejects = append(rejects, RowError{Line: line, Err: fmt.Errorf("%w: %v", ports.ErrMalformedEvent, err)})
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return events, rejects, fmt.Errorf("read events: %w", err)
	}
	return events, rejects, nil
}

// ReadEvents picks the reader by file extension (.jsonl/.ndjson or CSV).
func ReadEvents(filename string) ([]domain.Event, []RowError, error) {
	lower := strings.ToLower(filename)
	if strings.HasSuffix(lower, ".jsonl") || strings.HasSuffix(lower, ".ndjson") {
		return ReadEventsFromJSONL(filename)
	}
	return ReadEventsFromCSV(filename)
}

// DecodeSignals reads a JSON document holding one signal or an array of signals.
// Each decoded signal is normalized; validation is left to the caller.
func DecodeSignals(data []byte) ([]domain.Signal, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty document", ports.ErrMalformedEvent)
	}
	var signals []domain.Signal
	if data[0] == '[' {
		if err := json.Unmarshal(data, &signals); err != nil {
			return nil, fmt.Errorf("%w: %v", ports.ErrMalformedEvent, err)
		}
	} else {
		var s domain.Signal
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ports.ErrMalformedEvent, err)
		}
		signals = append(signals, s)
	}
	for i := range signals {
		signals[i].Event = signals[i].Event.Normalized()
		signals[i].Ticker = strings.ToUpper(signals[i].Ticker)
	}
	return signals, nil
}
