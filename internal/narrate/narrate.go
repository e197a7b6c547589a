// Package narrate writes short plain-language summaries of security events
// for the admin dashboard, using Claude on AWS Bedrock.
package narrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/clinic-ops/sentinel/internal/visitor"
)

const (
	DefaultModel     = "global.anthropic.claude-sonnet-4-5-20250929-v1:0"
	DefaultMaxTokens = 300
	DefaultTimeout   = 20 * time.Second
	maxCached        = 512
)

var ErrEmptyResponse = errors.New("empty model response")

const systemPrompt = `You are a security analyst for a healthcare web portal.
Summarize the security event you are given for a clinic administrator in at most
three sentences. Say what happened, which signals made it suspicious, and one
concrete next step. Do not invent facts that are not in the event.`

// Options configures the Bedrock client.
type Options struct {
	Region    string
	Model     string
	MaxTokens int64
	Timeout   time.Duration
}

type completeFunc func(ctx context.Context, system, user string) (string, error)

// Narrator summarizes events. Summaries are cached by event id because
// security events never change once written.
type Narrator struct {
	complete completeFunc
	timeout  time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[int64]string
}

// New creates a Narrator backed by Bedrock using the default AWS credential
// chain.
func New(ctx context.Context, opts Options, logger *slog.Logger) *Narrator {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	client := anthropic.NewClient(bedrock.WithLoadDefaultConfig(ctx, loadOpts...))

	complete := func(ctx context.Context, system, user string) (string, error) {
		message, err := client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(opts.Model),
			MaxTokens: opts.MaxTokens,
			System: []anthropic.TextBlockParam{
				{Text: system},
			},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
			},
		})
		if err != nil {
			return "", fmt.Errorf("claude api: %w", err)
		}
		if len(message.Content) == 0 {
			return "", ErrEmptyResponse
		}
		return message.Content[0].Text, nil
	}
	return newNarrator(complete, opts.Timeout, logger)
}

func newNarrator(complete completeFunc, timeout time.Duration, logger *slog.Logger) *Narrator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Narrator{
		complete: complete,
		timeout:  timeout,
		logger:   logger,
		cache:    make(map[int64]string),
	}
}

// Summarize returns a narrative for ev.
func (n *Narrator) Summarize(ctx context.Context, ev visitor.SecurityEvent) (string, error) {
	if s, ok := n.cached(ev.ID); ok {
		return s, nil
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	start := time.Now()
	out, err := n.complete(ctx, systemPrompt, Prompt(ev))
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", ErrEmptyResponse
	}
	n.logger.Info("event summarized", "event_id", ev.ID, "elapsed_ms", time.Since(start).Milliseconds())

	n.store(ev.ID, out)
	return out, nil
}

func (n *Narrator) cached(id int64) (string, bool) {
	if id == 0 {
		return "", false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.cache[id]
	return s, ok
}

func (n *Narrator) store(id int64, s string) {
	if id == 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.cache) >= maxCached {
		for k := range n.cache {
			delete(n.cache, k)
			break
		}
	}
	n.cache[id] = s
}

// Prompt renders the event as the user message. Metadata is included as
// JSON so flags and scores reach the model verbatim.
func Prompt(ev visitor.SecurityEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Event type: %s\n", ev.EventType)
	fmt.Fprintf(&b, "Severity: %s\n", ev.Severity)
	fmt.Fprintf(&b, "Time: %s\n", ev.CreatedAt.UTC().Format(time.RFC3339))
	if ev.IPAddress != "" {
		fmt.Fprintf(&b, "IP address: %s\n", ev.IPAddress)
	}
	if ev.SessionID != "" {
		fmt.Fprintf(&b, "Session: %s\n", ev.SessionID)
	}
	if ev.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", ev.Title)
	}
	if ev.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", ev.Description)
	}
	if len(ev.Metadata) > 0 {
		meta, err := json.Marshal(ev.Metadata)
		if err == nil {
			fmt.Fprintf(&b, "Metadata: %s\n", meta)
		}
	}
	return b.String()
}
