package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dkeye/Ring/internal/app/call"
	"github.com/dkeye/Ring/internal/app/transcribe"
	"github.com/dkeye/Ring/internal/domain"
)

var errQuit = errors.New("quit")

// controller is the part of the coordinator the command loop drives.
type controller interface {
	Dial(ctx context.Context, target domain.UserID, mode domain.CallMode) error
	Accept(ctx context.Context) error
	Reject(ctx context.Context, reason string) error
	Hangup(ctx context.Context) error
	SetMuted(ctx context.Context, muted bool) error
	SetCameraEnabled(ctx context.Context, enabled bool) error
	Enable(ctx context.Context) error
	Snapshot() call.Snapshot
	Transcript() []transcribe.Line
}

const help = `commands:
  users                  callable users
  dial <user> [video]    call by id, name or email
  accept | reject        answer the ringing call
  hangup                 end the call
  mute | unmute
  camera on|off
  enable                 register the device again
  status | transcript | quit`

func repl(ctx context.Context, c controller, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(out, help)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := execute(ctx, c, line, out)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintln(out, "error:", err)
			}
		}
	}
}

func execute(ctx context.Context, c controller, line string, out io.Writer) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	args := fields[1:]
	switch strings.ToLower(fields[0]) {
	case "help", "?":
		fmt.Fprintln(out, help)
	case "users":
		online := c.Snapshot().Online
		if len(online) == 0 {
			fmt.Fprintln(out, "nobody else is online")
		}
		for _, u := range online {
			fmt.Fprintln(out, formatUser(u))
		}
	case "dial", "call":
		if len(args) == 0 {
			return errors.New("usage: dial <user> [voice|video]")
		}
		mode := domain.ModeVoice
		if len(args) > 1 {
			m, err := domain.ParseCallMode(args[1])
			if err != nil {
				return err
			}
			mode = m
		}
		target, err := resolve(c.Snapshot().Online, args[0])
		if err != nil {
			return err
		}
		return c.Dial(ctx, target, mode)
	case "accept", "answer":
		return c.Accept(ctx)
	case "reject", "decline":
		return c.Reject(ctx, strings.Join(args, " "))
	case "hangup", "bye":
		return c.Hangup(ctx)
	case "mute":
		return c.SetMuted(ctx, true)
	case "unmute":
		return c.SetMuted(ctx, false)
	case "camera":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return errors.New("usage: camera on|off")
		}
		return c.SetCameraEnabled(ctx, args[0] == "on")
	case "enable":
		return c.Enable(ctx)
	case "status":
		s := c.Snapshot()
		fmt.Fprintf(out, "state=%s self=%s remote=%s room=%s mode=%s muted=%t camera=%t\n",
			s.State, s.Self, s.Remote, s.Session, s.Mode, s.Muted, s.Camera)
		for track, speaker := range s.Speakers {
			fmt.Fprintf(out, "  %s: %s\n", track, speaker)
		}
	case "transcript":
		for _, l := range c.Transcript() {
			if l.Final {
				fmt.Fprintf(out, "[%s] %s: %s\n", l.At.Format(time.TimeOnly), l.Speaker, l.Text)
			}
		}
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q, try help", fields[0])
	}
	return nil
}

// resolve matches a target against the online list by id, then name, then
// email. Unknown targets are passed through as ids.
func resolve(online []domain.User, target string) (domain.UserID, error) {
	for _, u := range online {
		if string(u.ID) == target {
			return u.ID, nil
		}
	}
	var hits []domain.User
	for _, u := range online {
		if strings.EqualFold(u.Name, target) || strings.EqualFold(u.Email, target) {
			hits = append(hits, u)
		}
	}
	switch len(hits) {
	case 0:
		return domain.UserID(target), nil
	case 1:
		return hits[0].ID, nil
	default:
		return "", fmt.Errorf("%q matches %d users, use the id", target, len(hits))
	}
}

// dialOnce waits for the device, calls target and hangs up after hold.
func dialOnce(ctx context.Context, c controller, target string, mode domain.CallMode, timeout, hold time.Duration) error {
	wait := func(want func(call.Snapshot) bool) (call.Snapshot, error) {
		deadline := time.NewTimer(timeout)
		defer deadline.Stop()
		tick := time.NewTicker(50 * time.Millisecond)
		defer tick.Stop()
		for {
			s := c.Snapshot()
			if want(s) {
				return s, nil
			}
			select {
			case <-ctx.Done():
				return s, ctx.Err()
			case <-deadline.C:
				return s, fmt.Errorf("timed out in state %s", s.State)
			case <-tick.C:
			}
		}
	}

	if _, err := wait(func(s call.Snapshot) bool { return s.State == call.StateReady }); err != nil {
		return err
	}
	id, err := resolve(c.Snapshot().Online, target)
	if err != nil {
		return err
	}
	if err := c.Dial(ctx, id, mode); err != nil {
		return err
	}
	s, err := wait(func(s call.Snapshot) bool { return s.State != call.StateDialing })
	if err != nil {
		_ = c.Hangup(context.WithoutCancel(ctx))
		return err
	}
	if s.State != call.StateConnected {
		return fmt.Errorf("call not answered: %s", s.Reason)
	}

	select {
	case <-ctx.Done():
	case <-time.After(hold):
	}
	if err := c.Hangup(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, domain.ErrNotConnected) {
		return err
	}
	return nil
}
