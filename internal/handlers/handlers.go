package handlers

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/podushkina/taskrunner/internal/task"
)

const (
	KindSample    = "sample"
	KindWordCount = "wordcount"
	KindEcho      = "echo"

	MaxShots = 1_000_000
)

// Outcome is the result of one payload execution: exactly one of Counts or Err.
type Outcome struct {
	Counts task.Counts
	Err    error
}

func Ok(c task.Counts) Outcome { return Outcome{Counts: c} }
func Fail(err error) Outcome   { return Outcome{Err: err} }

type Executor func(ctx context.Context, t *task.Task) Outcome

// Validator rejects malformed input before anything is stored or enqueued.
type Validator func(input string) error

type Payload struct {
	Validate Validator
	Execute  Executor
}

type Registry struct {
	mu       sync.RWMutex
	payloads map[string]Payload
}

func NewRegistry() *Registry {
	return &Registry{payloads: make(map[string]Payload)}
}

// Default returns a registry with every built-in payload kind.
func Default() *Registry {
	r := NewRegistry()
	r.Register(KindSample, Payload{Validate: validateSample, Execute: Sample})
	r.Register(KindWordCount, Payload{Validate: validateText, Execute: WordCount})
	r.Register(KindEcho, Payload{Validate: validateText, Execute: Echo})
	return r
}

func (r *Registry) Register(kind string, p Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads[kind] = p
}

func (r *Registry) Lookup(kind string) (Payload, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.payloads[kind]
	return p, ok
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.payloads))
	for k := range r.payloads {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Validate checks a submission at the payload-schema level. Failures are
// task.InvalidInput errors carrying a client-facing reason.
func (r *Registry) Validate(kind, input string, shots int) error {
	if strings.TrimSpace(input) == "" {
		return task.InvalidInput("input cannot be empty")
	}
	if shots < 1 || shots > MaxShots {
		return task.InvalidInput(fmt.Sprintf("shots must be between 1 and %d", MaxShots))
	}
	p, ok := r.Lookup(kind)
	if !ok {
		return task.InvalidInput(fmt.Sprintf("unknown task kind %q (supported: %s)", kind, strings.Join(r.Kinds(), ", ")))
	}
	if p.Validate == nil {
		return nil
	}
	if err := p.Validate(input); err != nil {
		return task.InvalidInput(err.Error())
	}
	return nil
}

// Execute runs the payload registered for t.Kind. A panicking payload is
// reported as a failed outcome.
func (r *Registry) Execute(ctx context.Context, t *task.Task) (out Outcome) {
	p, ok := r.Lookup(t.Kind)
	if !ok {
		return Fail(fmt.Errorf("unknown task kind: %s", t.Kind))
	}
	defer func() {
		if rec := recover(); rec != nil {
			out = Fail(fmt.Errorf("payload panic: %v", rec))
		}
	}()
	return p.Execute(ctx, t)
}

func parseLabels(input string) ([]string, error) {
	labels := strings.Fields(input)
	if len(labels) == 0 {
		return nil, fmt.Errorf("no outcome labels given")
	}
	width := len(labels[0])
	for _, l := range labels {
		if strings.Trim(l, "01") != "" {
			return nil, fmt.Errorf("label %q is not a bitstring", l)
		}
		if len(l) != width {
			return nil, fmt.Errorf("labels must share one width, got %d and %d", width, len(l))
		}
	}
	return labels, nil
}

func validateSample(input string) error {
	_, err := parseLabels(input)
	return err
}

func validateText(input string) error {
	if len(words(input)) == 0 {
		return fmt.Errorf("input contains no words")
	}
	return nil
}

// Sample draws t.Shots outcomes uniformly from the whitespace-separated
// bitstring labels in t.Input and returns how often each was drawn.
func Sample(ctx context.Context, t *task.Task) Outcome {
	labels, err := parseLabels(t.Input)
	if err != nil {
		return Fail(fmt.Errorf("invalid payload: %w", err))
	}
	if t.Shots <= 0 {
		return Fail(fmt.Errorf("invalid payload: shots must be positive"))
	}

	counts := make(task.Counts, len(labels))
	for i := 0; i < t.Shots; i++ {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return Fail(err)
			}
		}
		counts[labels[rand.Intn(len(labels))]]++
	}
	return Ok(counts)
}

func WordCount(ctx context.Context, t *task.Task) Outcome {
	ws := words(t.Input)
	if len(ws) == 0 {
		return Fail(fmt.Errorf("invalid payload: no words"))
	}
	counts := make(task.Counts)
	for _, w := range ws {
		counts[w]++
	}
	return Ok(counts)
}

func Echo(ctx context.Context, t *task.Task) Outcome {
	return Ok(task.Counts{strings.TrimSpace(t.Input): 1})
}

func words(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return fields
}
