// Package bot routes inbound chat commands to the timer registry.
package bot

import (
	"context"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"timerbot/internal/registry"
	"timerbot/internal/transport"
	logx "timerbot/pkg/logx"
)

// Router parses commands out of inbound updates and runs their handlers
// on a bounded worker pool, so one slow handler can't stall the intake
// loop.
type Router struct {
	reg     *registry.Registry
	adapter transport.Adapter
	log     logx.Logger

	botName   string
	owners    map[int64]struct{}
	shutdown  func()
	startedAt time.Time

	jobs chan func()
}

func NewRouter(reg *registry.Registry, adapter transport.Adapter, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		reg:       reg,
		adapter:   adapter,
		log:       log,
		startedAt: time.Now(),
		jobs:      make(chan func(), 256),
	}
}

// SetBotName records the bot's username so "/cmd@botname" forms match.
func (r *Router) SetBotName(name string) {
	r.botName = strings.TrimPrefix(strings.TrimSpace(name), "@")
}

// SetOwners records the user ids allowed to run operator commands.
// Call before DispatchLoop starts.
func (r *Router) SetOwners(ids []int64) {
	r.owners = make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		r.owners[id] = struct{}{}
	}
}

// OnShutdown installs the callback run when an owner issues /die.
// Call before DispatchLoop starts.
func (r *Router) OnShutdown(fn func()) {
	r.shutdown = fn
}

func (r *Router) isOwner(id int64) bool {
	_, ok := r.owners[id]
	return ok
}

// DispatchLoop consumes updates until ctx is done or the channel
// closes. It blocks; run it under the supervisor.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	r.log.Info("dispatcher started", logx.Int("workers", workers))

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-r.jobs:
					if !ok {
						return
					}
					job()
				}
			}
		}()
	}

	defer func() {
		close(r.jobs)
		wg.Wait()
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) route(ctx context.Context, up transport.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}

	word, args := splitCommand(text)
	if i := strings.IndexByte(word, '@'); i >= 0 {
		// Ignore commands addressed to another bot.
		if r.botName != "" && !strings.EqualFold(word[i+1:], r.botName) {
			return
		}
		word = word[:i]
	}

	h, ok := r.handler(word)
	if !ok {
		r.reply(ctx, msg, "unknown command. try /help")
		return
	}

	job := func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("panic in command handler",
					logx.String("cmd", word), logx.Int64("from", msg.FromID),
					logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
			}
		}()
		start := time.Now()
		h(ctx, msg, args)
		r.log.Debug("command handled",
			logx.String("cmd", word), logx.Int64("from", msg.FromID),
			logx.Duration("took", time.Since(start)))
	}

	select {
	case r.jobs <- job:
	default:
		r.reply(ctx, msg, "busy, try again")
	}
}

// splitCommand separates the leading /command word from the rest of the
// line. The remainder is kept raw: timer expressions contain spaces and
// colons that tokenizing would mangle.
func splitCommand(text string) (word, rest string) {
	text = strings.TrimPrefix(text, "/")
	if i := strings.IndexAny(text, " \t"); i >= 0 {
		return text[:i], strings.TrimSpace(text[i:])
	}
	return text, ""
}

func (r *Router) reply(ctx context.Context, msg *transport.Message, text string) {
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := r.adapter.SendText(sctx, transport.ChatTarget{ChatID: msg.ChatID}, text, &transport.SendOptions{DisablePreview: true})
	if err != nil {
		r.log.Warn("reply failed", logx.Int64("chat", msg.ChatID), logx.Err(err))
	}
}
