package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"timerbot/internal/registry"
	"timerbot/internal/timer"
	"timerbot/internal/transport"
	logx "timerbot/pkg/logx"
)

type handlerFunc func(ctx context.Context, msg *transport.Message, args string)

func (r *Router) handler(word string) (handlerFunc, bool) {
	switch strings.ToLower(word) {
	case "start":
		return r.handleStart, true
	case "help":
		return r.handleHelp, true
	case "timer":
		return r.handleTimer, true
	case "timers", "show":
		return r.handleTimers, true
	case "pause":
		return r.handlePause, true
	case "resume":
		return r.handleResume, true
	case "uptime":
		return r.handleUptime, true
	case "whoami":
		return r.handleWhoami, true
	case "die":
		return r.handleDie, true
	default:
		return nil, false
	}
}

func (r *Router) handleStart(ctx context.Context, msg *transport.Message, _ string) {
	r.reply(ctx, msg, "Hi! I keep timers and remind you when they fire.\n\n"+helpText())
}

func (r *Router) handleHelp(ctx context.Context, msg *transport.Message, _ string) {
	r.reply(ctx, msg, helpText())
}

func (r *Router) handleTimer(ctx context.Context, msg *transport.Message, args string) {
	if args == "" {
		r.reply(ctx, msg, timer.Help())
		return
	}

	if first, rest, _ := strings.Cut(args, " "); strings.EqualFold(first, "ack") {
		r.handleAck(ctx, msg, strings.TrimSpace(rest))
		return
	}

	now := time.Now()
	t, err := r.reg.Create(ctx, msg.FromID, args, now)
	switch {
	case err == nil:
		text := fmt.Sprintf("Timer '%s' set, fires %s (%s).",
			t.Description, t.TargetString(now), t.RemainingString(now))
		if t.RequireAck {
			text += " I will keep alerting until you ack it."
		}
		r.reply(ctx, msg, text)
	case errors.Is(err, registry.ErrTimerExists):
		r.reply(ctx, msg, fmt.Sprintf("You already have a timer '%s'. Ack it first or pick another description.", descOf(args)))
	default:
		r.log.Debug("timer rejected", logx.Int64("from", msg.FromID), logx.Err(err))
		r.reply(ctx, msg, fmt.Sprintf("%v\n\n%s", err, timer.Help()))
	}
}

// descOf extracts the description part of a raw timer expression for
// error messages, best effort.
func descOf(raw string) string {
	desc, _, _ := strings.Cut(raw, ":")
	return strings.TrimSpace(desc)
}

func (r *Router) handleAck(ctx context.Context, msg *transport.Message, desc string) {
	if desc == "" {
		r.reply(ctx, msg, "Usage: /timer ack description")
		return
	}
	err := r.reg.Ack(ctx, msg.FromID, desc)
	switch {
	case err == nil:
		r.reply(ctx, msg, fmt.Sprintf("Timer '%s' acknowledged.", desc))
	case errors.Is(err, registry.ErrTimerNotFound):
		r.reply(ctx, msg, fmt.Sprintf("No timer '%s'. See /timers for the list.", desc))
	default:
		r.log.Warn("ack failed", logx.Int64("from", msg.FromID), logx.Err(err))
		r.reply(ctx, msg, "Something went wrong, try again.")
	}
}

func (r *Router) handleTimers(ctx context.Context, msg *transport.Message, _ string) {
	now := time.Now()
	timers := r.reg.List(msg.FromID)
	if len(timers) == 0 {
		r.reply(ctx, msg, "No timers set.")
		return
	}

	var b strings.Builder
	b.WriteString("Your timers:\n")
	for _, t := range timers {
		fmt.Fprintf(&b, "• '%s' fires %s (%s)", t.Description, t.TargetString(now), t.RemainingString(now))
		if t.RequireAck {
			b.WriteString(" [needs ack]")
		}
		b.WriteByte('\n')
	}
	if r.reg.Paused(msg.FromID) {
		b.WriteString("\nNotifications are paused. /resume to receive alerts.")
	}
	r.reply(ctx, msg, strings.TrimRight(b.String(), "\n"))
}

func (r *Router) handlePause(ctx context.Context, msg *transport.Message, _ string) {
	if err := r.reg.SetPaused(ctx, msg.FromID, true); err != nil {
		r.log.Warn("pause failed", logx.Int64("from", msg.FromID), logx.Err(err))
		r.reply(ctx, msg, "Something went wrong, try again.")
		return
	}
	r.reply(ctx, msg, "Notifications paused. Timers keep running; /resume to receive alerts again.")
}

func (r *Router) handleResume(ctx context.Context, msg *transport.Message, _ string) {
	if err := r.reg.SetPaused(ctx, msg.FromID, false); err != nil {
		r.log.Warn("resume failed", logx.Int64("from", msg.FromID), logx.Err(err))
		r.reply(ctx, msg, "Something went wrong, try again.")
		return
	}
	r.reply(ctx, msg, "Notifications resumed. Anything that fired while paused arrives on the next sweep.")
}

func (r *Router) handleUptime(ctx context.Context, msg *transport.Message, _ string) {
	r.reply(ctx, msg, "up "+timer.FormatDuration(time.Since(r.startedAt)))
}

// handleWhoami is intentionally absent from the help text.
func (r *Router) handleWhoami(ctx context.Context, msg *transport.Message, _ string) {
	name := msg.FromUsername
	if name == "" {
		name = "-"
	}
	r.reply(ctx, msg, fmt.Sprintf("id: %d\nusername: %s", msg.FromID, name))
}

// handleDie stops the process. Owner-only and hidden; anyone else gets
// the unknown-command hint so the command does not advertise itself.
func (r *Router) handleDie(ctx context.Context, msg *transport.Message, _ string) {
	if !r.isOwner(msg.FromID) {
		r.reply(ctx, msg, "unknown command. try /help")
		return
	}
	r.log.Info("shutdown requested", logx.Int64("from", msg.FromID))
	r.reply(ctx, msg, "Shutting down.")
	if r.shutdown != nil {
		r.shutdown()
	}
}

func helpText() string {
	return timer.Help() + strings.TrimRight(`

Other commands:
  /timers - list your timers
  /pause  - stop notifications (timers keep running)
  /resume - receive notifications again
  /uptime - how long the bot has been running
`, "\n")
}
