package devices

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/songzhibin97/sequence-engine/logging"
	"github.com/songzhibin97/sequence-engine/types"
)

// Step is one scripted reply.
type Step struct {
	Reply string        // text returned by the device
	Delay time.Duration // time before the reply
	Hang  bool          // never reply; the caller's deadline fires
	Err   error         // transport error instead of a reply
	State string        // device state recorded after the reply
}

// Reply is a shorthand for an immediate scripted reply.
func Reply(text string) Step { return Step{Reply: text} }

// Timeout is a shorthand for a step that never answers.
func Timeout() Step { return Step{Hang: true} }

// Simulator answers commands from per-command scripts. Commands without a
// script succeed with "<text> complete". Scripts are keyed by command id, or by
// "id@zone" for one zone of a fanned-out command.
type Simulator struct {
	mu        sync.Mutex
	registry  *Registry
	scripts   map[string][]Step
	calls     []types.Command
	connected bool
	delay     time.Duration
	logger    zerolog.Logger
}

// SimulatorOption configures a Simulator.
type SimulatorOption func(*Simulator)

// WithDefaultDelay makes unscripted commands take d.
func WithDefaultDelay(d time.Duration) SimulatorOption {
	return func(s *Simulator) {
		s.delay = d
	}
}

// NewSimulator creates a connected simulator. registry may be nil.
func NewSimulator(registry *Registry, opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		registry:  registry,
		scripts:   make(map[string][]Step),
		connected: true,
		logger:    logging.Component("simulator"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Script queues steps for key. Each dispatch consumes one step; the last step
// repeats once the queue is down to it.
func (s *Simulator) Script(key string, steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[key] = append(s.scripts[key], steps...)
}

// ZoneKey is the script key for one zone of a command.
func ZoneKey(id string, zone int) string {
	return fmt.Sprintf("%s@%d", id, zone)
}

// SetConnected flips the link state reported by IsConnected.
func (s *Simulator) SetConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

// IsConnected reports the simulated link state.
func (s *Simulator) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Calls returns every command dispatched so far, in order.
func (s *Simulator) Calls() []types.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Command(nil), s.calls...)
}

// Validate accepts any single non-empty line.
func (s *Simulator) Validate(text string) bool {
	t := strings.TrimSpace(text)
	return t != "" && !strings.ContainsAny(t, "\r\n")
}

// Execute dispatches one command and waits for its scripted reply or ctx.
func (s *Simulator) Execute(ctx context.Context, cmd types.Command) (types.Response, error) {
	start := time.Now()
	step := s.next(cmd)

	s.logger.Debug().
		Str("command", cmd.ID).
		Str("device", cmd.Device).
		Str("text", cmd.Text).
		Msg("dispatch")

	if step.Hang {
		<-ctx.Done()
		return types.Response{Elapsed: time.Since(start)}, ctx.Err()
	}
	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return types.Response{Elapsed: time.Since(start)}, ctx.Err()
		case <-timer.C:
		}
	}
	if step.Err != nil {
		return types.Response{Elapsed: time.Since(start)}, step.Err
	}

	reply := step.Reply
	if reply == "" {
		reply = cmd.Text + " complete"
	}
	if step.State != "" && s.registry != nil {
		_ = s.registry.SetState(cmd.Device, step.State)
	}
	return types.Response{
		Success: types.ClassifyResponse(reply) != types.ResponseError,
		Text:    reply,
		Elapsed: time.Since(start),
	}, nil
}

func (s *Simulator) next(cmd types.Command) Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, cmd.Clone())

	keys := []string{cmd.ID}
	if cmd.Zone > 0 {
		keys = []string{ZoneKey(cmd.ID, cmd.Zone), cmd.ID}
	}
	for _, key := range keys {
		steps, ok := s.scripts[key]
		if !ok || len(steps) == 0 {
			continue
		}
		step := steps[0]
		if len(steps) > 1 {
			s.scripts[key] = steps[1:]
		}
		return step
	}
	return Step{Delay: s.delay}
}
