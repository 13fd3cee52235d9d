package out

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type Sink interface {
	Emit(ctx context.Context, typ string, v any) error
	Close() error
}

func encode(typ string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, TS: time.Now().UnixMilli(), Data: data})
}

// Nop drops every event.
type Nop struct{}

func (Nop) Emit(context.Context, string, any) error { return nil }
func (Nop) Close() error                            { return nil }

// Memory keeps encoded envelopes in order. Used by tests and dev mode.
type Memory struct {
	mu  sync.Mutex
	evs []Envelope
}

func (m *Memory) Emit(_ context.Context, typ string, v any) error {
	b, err := encode(typ, v)
	if err != nil {
		return err
	}
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	m.mu.Lock()
	m.evs = append(m.evs, env)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }

// Events returns the envelopes of the given type, or all when typ is "".
func (m *Memory) Events(typ string) []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Envelope
	for _, e := range m.evs {
		if typ == "" || e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
