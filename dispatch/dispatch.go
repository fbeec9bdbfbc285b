// Package dispatch matches inbound plaintext against a static ordered
// command table, enforces cooldowns and runs the bound action under a
// timeout. A failed action becomes user-facing error text; it never
// propagates out of the dispatcher.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ashwden/nostrgate/cooldown"
	"github.com/ashwden/nostrgate/gateway"
	"github.com/ashwden/nostrgate/logging"
)

// Action produces the reply text for a command.
type Action func(ctx context.Context) (string, error)

// Command is one entry of the dispatch table. Match is evaluated against
// the lower-cased plaintext.
type Command struct {
	Name    string
	Match   func(lower string) bool
	Timeout time.Duration
	Action  Action
}

// Dispatcher evaluates the table in order; only the first match fires.
type Dispatcher struct {
	commands  []Command
	cooldowns *cooldown.Registry
}

func New(commands []Command, cooldowns *cooldown.Registry) *Dispatcher {
	return &Dispatcher{commands: commands, cooldowns: cooldowns}
}

// contains builds a case-insensitive substring matcher.
func contains(substr string) func(string) bool {
	substr = strings.ToLower(substr)
	return func(lower string) bool { return strings.Contains(lower, substr) }
}

// containsAny matches if any of the given substrings is present.
func containsAny(substrs ...string) func(string) bool {
	lowered := make([]string, len(substrs))
	for i, s := range substrs {
		lowered[i] = strings.ToLower(s)
	}
	return func(lower string) bool {
		for _, s := range lowered {
			if strings.Contains(lower, s) {
				return true
			}
		}
		return false
	}
}

// GatewayCommands is the built-in table bound to the agent gateway. Order
// matters: more specific phrasings come before the catch-alls.
func GatewayCommands(client gateway.Client) []Command {
	return []Command{
		{
			Name:    "restart",
			Match:   contains("restart"),
			Timeout: gateway.RestartTimeout,
			Action:  client.Restart,
		},
		{
			Name:    "new-session",
			Match:   containsAny("new session", "reset session"),
			Timeout: gateway.SessionTimeout,
			Action:  client.NewSession,
		},
		{
			Name:    "task",
			Match:   containsAny("current task", "what are you doing", "task?"),
			Timeout: gateway.TaskTimeout,
			Action:  client.CurrentTask,
		},
		{
			Name:    "status",
			Match:   contains("status"),
			Timeout: gateway.StatusTimeout,
			Action:  client.Status,
		},
	}
}

// Dispatch matches plaintext against the table. It returns the reply text,
// whether a command matched, and whether its action actually ran; a
// cooldown-blocked command is matched but not executed, and a non-match
// returns ("", false, false) so the caller falls through to auto-reply
// evaluation. A matched message is never also treated as an auto-reply
// trigger.
func (d *Dispatcher) Dispatch(ctx context.Context, plaintext, sender string, now time.Time) (reply string, matched, executed bool) {
	lower := strings.ToLower(plaintext)
	for _, cmd := range d.commands {
		if !cmd.Match(lower) {
			continue
		}
		if dec := d.cooldowns.Check(cmd.Name, sender, now); !dec.Allowed {
			logging.DebugMethod("dispatch", "Dispatch", "command %s blocked by %s cooldown for %s", cmd.Name, dec.Scope, sender)
			return cooldownNotice(cmd.Name, dec), true, false
		}
		reply = d.run(ctx, cmd)
		d.cooldowns.MarkExecuted(cmd.Name, sender, now)
		return reply, true, true
	}
	return "", false, false
}

// run executes the action under its timeout and converts every failure mode
// (error, timeout, panic) into reply text.
func (d *Dispatcher) run(ctx context.Context, cmd Command) (reply string) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("dispatch: command %s panicked: %v", cmd.Name, r)
			reply = fmt.Sprintf("Error: command %s failed unexpectedly", cmd.Name)
		}
	}()

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	text, err := cmd.Action(cctx)
	if err != nil {
		logging.Warn("dispatch: command %s failed: %v", cmd.Name, err)
		return fmt.Sprintf("Error: %v", err)
	}
	return text
}

func cooldownNotice(name string, dec cooldown.Decision) string {
	secs := int(dec.Remaining.Round(time.Second).Seconds())
	if secs < 1 {
		secs = 1
	}
	if dec.Scope == cooldown.ScopeGlobal {
		return fmt.Sprintf("The %s command was run recently. Try again in %ds.", name, secs)
	}
	return fmt.Sprintf("You ran %s recently. Try again in %ds.", name, secs)
}
