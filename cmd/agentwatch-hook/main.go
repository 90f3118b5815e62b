// agentwatch-hook - клиентская сторона: читает payload hook-а из stdin и
// отправляет событие на ingestion endpoint.
//
//	agentwatch-hook [--config dir] [--batch] [event-type]
//
// Без --batch stdin - один JSON объект. С --batch - NDJSON, по объекту на строку.
// Код выхода 2 - событие отклонено валидатором, агент должен отказаться от вызова.
// Сбои доставки не влияют на код выхода.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/xela07ax/agentwatch/internal/emitter"
	"github.com/xela07ax/agentwatch/internal/infra"
	"github.com/xela07ax/agentwatch/internal/metrics"
	"github.com/xela07ax/agentwatch/internal/security"
)

const (
	exitOK       = 0
	exitUsage    = 1
	exitRejected = 2

	envAgentID   = "AGENTWATCH_AGENT_ID"
	envSessionID = "AGENTWATCH_SESSION_ID"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdin, os.Stderr))
}

func run(ctx context.Context, args []string, stdin io.Reader, stderr io.Writer) int {
	fs := pflag.NewFlagSet("agentwatch-hook", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configDir := fs.String("config", "", "directory with config.yaml")
	batch := fs.Bool("batch", false, "read NDJSON from stdin and send events in batches")
	timeout := fs.Duration("timeout", 10*time.Second, "overall deadline for delivery")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	var paths []string
	if *configDir != "" {
		paths = append(paths, *configDir)
	}
	cfg, err := infra.LoadConfig(paths...)
	if err != nil {
		fmt.Fprintf(stderr, "agentwatch-hook: %v\n", err)
		return exitUsage
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(stderr, "agentwatch-hook: %v\n", err)
		return exitUsage
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	h := &hookRunner{cfg: cfg.Emitter, fixedType: fs.Arg(0), logger: logger, stderr: stderr}
	if *batch {
		return h.runBatch(stdin)
	}
	return h.runSingle(ctx, stdin)
}

type hookRunner struct {
	cfg       infra.EmitterConfig
	fixedType string
	logger    *zap.Logger
	stderr    io.Writer
}

func (h *hookRunner) runSingle(ctx context.Context, stdin io.Reader) int {
	var payload map[string]any
	if err := json.NewDecoder(stdin).Decode(&payload); err != nil && err != io.EOF {
		fmt.Fprintf(h.stderr, "agentwatch-hook: malformed payload: %v\n", err)
		return exitUsage
	}

	eventType := h.eventType(payload)
	if eventType == "" {
		fmt.Fprintln(h.stderr, "agentwatch-hook: event type is required")
		return exitUsage
	}

	sender := emitter.NewSender(h.senderConfig(payload), h.logger, metrics.NewMetrics(nil))
	verdict, _ := emitter.NewHook(sender, h.logger).Emit(ctx, eventType, payload)
	if !verdict.Valid {
		fmt.Fprintf(h.stderr, "agentwatch-hook: blocked: %s\n", verdict.Reason)
		return exitRejected
	}
	return exitOK
}

// runBatch: все строки уходят через Batcher; отклоненные валидатором пропускаются
func (h *hookRunner) runBatch(stdin io.Reader) int {
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var (
		sender  *emitter.Sender
		batcher *emitter.Batcher
		code    = exitOK
	)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(line), &payload); err != nil {
			h.logger.Warn("skipping malformed line", zap.Error(err))
			continue
		}
		eventType := h.eventType(payload)
		if eventType == "" {
			h.logger.Warn("skipping line without event type")
			continue
		}

		if verdict := emitter.Inspect(payload); !verdict.Valid {
			fmt.Fprintf(h.stderr, "agentwatch-hook: blocked %s: %s\n", eventType, verdict.Reason)
			code = exitRejected
			continue
		}

		// Идентификаторы берутся из первой валидной строки
		if sender == nil {
			sender = emitter.NewSender(h.senderConfig(payload), h.logger, metrics.NewMetrics(nil))
			batcher = emitter.NewBatcher(sender, emitter.BatcherConfig{}, h.logger)
			batcher.Start()
		}
		batcher.Enqueue(sender.BuildEvent(eventType, security.SanitizeMap(payload)))
	}
	if err := scanner.Err(); err != nil {
		h.logger.Warn("stdin read failed", zap.Error(err))
	}
	if batcher != nil {
		batcher.Stop()
	}
	return code
}

// eventType: позиционный аргумент либо hook_event_name / type из payload
func (h *hookRunner) eventType(payload map[string]any) string {
	if h.fixedType != "" {
		return snakeCase(h.fixedType)
	}
	for _, key := range []string{"hook_event_name", "type"} {
		if s, ok := payload[key].(string); ok && s != "" {
			return snakeCase(s)
		}
	}
	return ""
}

func (h *hookRunner) senderConfig(payload map[string]any) emitter.Config {
	sessionID := firstNonEmpty(stringField(payload, "session_id"), os.Getenv(envSessionID))
	agentID := firstNonEmpty(os.Getenv(envAgentID), sessionID)

	project := stringField(payload, "cwd")
	if project == "" {
		project, _ = os.Getwd()
	}

	return emitter.Config{
		Endpoint:         h.cfg.Endpoint,
		Timeout:          h.cfg.Timeout,
		MaxRetries:       h.cfg.MaxRetries,
		BaseDelay:        h.cfg.BaseDelay,
		Multiplier:       h.cfg.Multiplier,
		BreakerThreshold: h.cfg.BreakerThreshold,
		BreakerTimeout:   h.cfg.BreakerTimeout,
		RateLimit:        h.cfg.RateLimit,
		RateBurst:        h.cfg.RateBurst,
		AgentID:          agentID,
		SessionID:        sessionID,
		ProjectPath:      project,
	}
}

// snakeCase: PreToolUse -> pre_tool_use, уже snake_case не меняется
func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
