package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"waste-sync/internal/apperrors"
	"waste-sync/internal/clientsync"
	"waste-sync/internal/connectivity"
	"waste-sync/internal/domain"
	"waste-sync/internal/recovery"
	"waste-sync/internal/syncop"

	"go.uber.org/zap"
)

// Commands a line on stdin may carry instead of an intent.
const (
	cmdOnline  = "online"
	cmdOffline = "offline"
	cmdProbe   = "probe"
	cmdStatus  = "status"
	cmdRecover = "recover"
	cmdHistory = "history"
)

type agent struct {
	role       domain.Role
	queue      *clientsync.Queue
	monitor    *connectivity.Monitor
	recovery   *recovery.Coordinator
	projection *clientsync.Projection
	log        *zap.Logger
}

type reply struct {
	OK    bool   `json:"ok"`
	Type  string `json:"type"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// reconnected runs on every offline to online edge: flush the queue, then
// refresh whatever went stale while offline.
func (a *agent) reconnected(ctx context.Context) {
	a.queue.TriggerDrain()

	go func() {
		_, err := a.recovery.CheckStaleness(ctx, a.role)
		if err != nil && !errors.Is(err, recovery.ErrRecoveryDebounced) && !errors.Is(err, recovery.ErrRecoveryInFlight) {
			a.log.Warn("recovery after reconnect failed", zap.Error(err))
		}
	}()
}

func (a *agent) handleLine(ctx context.Context, line string) reply {
	line = strings.TrimSpace(line)
	if line == "" {
		return reply{OK: true}
	}

	var env syncop.Envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return failed("", apperrors.Wrap(apperrors.CodeInvalid, "line is not a JSON object", err))
	}

	switch env.Type {
	case cmdOnline:
		a.monitor.SetOnline(true)
		return reply{OK: true, Type: env.Type, Data: a.queue.Status()}
	case cmdOffline:
		a.monitor.SetOnline(false)
		return reply{OK: true, Type: env.Type, Data: a.queue.Status()}
	case cmdProbe:
		online := a.monitor.CheckNow(ctx)
		return reply{OK: true, Type: env.Type, Data: map[string]bool{"online": online}}
	case cmdStatus:
		return reply{OK: true, Type: env.Type, Data: a.queue.Status()}
	case cmdHistory:
		return reply{OK: true, Type: env.Type, Data: a.projection.History()}
	case cmdRecover:
		snap, err := a.recovery.Recover(ctx, a.role)
		if err != nil {
			return failed(env.Type, err)
		}
		return reply{OK: true, Type: env.Type, Data: snap}
	}

	intent, err := syncop.ParseIntent(env)
	if err != nil {
		return failed(env.Type, err)
	}
	op, err := a.queue.Enqueue(ctx, intent)
	if err != nil {
		return failed(env.Type, err)
	}
	return reply{OK: true, Type: env.Type, Data: op}
}

func failed(typ string, err error) reply {
	return reply{OK: false, Type: typ, Error: apperrors.Message(err)}
}
