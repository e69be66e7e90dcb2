package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"time"

	"github.com/hivemind-network/hivemind/pkg/models"
)

// Executor runs assigned tasks. The bundled executor simulates
// inference output; plugging in a real model runtime means replacing
// this type behind the same Execute signature.
type Executor struct {
	minLatency time.Duration
	maxLatency time.Duration
}

// NewExecutor creates the simulated executor
func NewExecutor(minLatencyMs, maxLatencyMs int) *Executor {
	if minLatencyMs <= 0 {
		minLatencyMs = 200
	}
	if maxLatencyMs < minLatencyMs {
		maxLatencyMs = minLatencyMs * 4
	}
	return &Executor{
		minLatency: time.Duration(minLatencyMs) * time.Millisecond,
		maxLatency: time.Duration(maxLatencyMs) * time.Millisecond,
	}
}

// Execute runs one task and returns its result payload. Unknown task
// types fail so the coordinator records an honest failure instead of a
// fabricated success.
func (e *Executor) Execute(ctx context.Context, task *models.Task) (json.RawMessage, error) {
	switch task.Type {
	case models.TaskTypeInference:
		return e.runInference(ctx, task)
	case models.TaskTypeTraining, models.TaskTypeFineTuning:
		return nil, fmt.Errorf("task type %q is not supported by this executor", task.Type)
	default:
		return nil, fmt.Errorf("unknown task type %q", task.Type)
	}
}

func (e *Executor) runInference(ctx context.Context, task *models.Task) (json.RawMessage, error) {
	var payload models.InferencePayload
	if len(task.InputData) > 0 {
		if err := json.Unmarshal(task.InputData, &payload); err != nil {
			return nil, fmt.Errorf("malformed inference payload: %w", err)
		}
	}
	if payload.Prompt == "" {
		return nil, fmt.Errorf("inference payload has no prompt")
	}

	latency := e.minLatency
	if spread := e.maxLatency - e.minLatency; spread > 0 {
		latency += time.Duration(rand.Int63n(int64(spread)))
	}
	start := time.Now()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(latency):
	}

	tokens := payload.MaxTokens
	if tokens <= 0 {
		tokens = 32
	}
	result := models.InferenceResult{
		Output:          simulatedOutput(payload.Prompt, tokens),
		TokensGenerated: tokens,
		TimeSeconds:     time.Since(start).Seconds(),
		Simulated:       true,
	}
	return json.Marshal(result)
}

// simulatedOutput produces deterministic pseudo-text for a prompt, so
// repeated runs of the same task yield the same output hash.
func simulatedOutput(prompt string, tokens int) string {
	h := fnv.New64a()
	h.Write([]byte(prompt))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	words := []string{
		"the", "model", "network", "computes", "a", "response", "for",
		"this", "prompt", "with", "shared", "volunteer", "capacity",
	}
	var b strings.Builder
	for i := 0; i < tokens; i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(words[rng.Intn(len(words))])
	}
	return b.String()
}
