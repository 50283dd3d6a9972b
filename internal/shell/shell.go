// Package shell is the terminal front end for a conversation. It renders
// the controller's read model as it changes and reads answers from the
// user; every decision about the session is left to the controller.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/capitalize-ai/formchat/internal/conversation"
	"github.com/capitalize-ai/formchat/internal/fieldinput"
	"github.com/capitalize-ai/formchat/internal/model"
	"github.com/capitalize-ai/formchat/internal/schema"
)

const maxPasswordAttempts = 3

// PasswordFunc asks the user for the agent's password.
type PasswordFunc func() (string, error)

// Shell is a line-oriented conversation UI.
type Shell struct {
	in       *bufio.Scanner
	out      io.Writer
	styles   styles
	password PasswordFunc

	mu           sync.Mutex
	printed      int  // transcript entries fully rendered
	draftOpen    bool // an assistant line is open on screen
	draftPrinted int  // bytes of the in-flight draft already rendered
}

// Option configures a Shell.
type Option func(*Shell)

// WithPasswordPrompt overrides how the password is read. The default reads
// a line from the shell's input.
func WithPasswordPrompt(fn PasswordFunc) Option {
	return func(s *Shell) { s.password = fn }
}

// New creates a shell reading from in and writing to out.
func New(in io.Reader, out io.Writer, opts ...Option) *Shell {
	s := &Shell{
		in:     bufio.NewScanner(in),
		out:    out,
		styles: newStyles(out),
	}
	s.password = s.readLine
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Render draws the part of v not yet on screen. Register it as the
// controller's observer.
func (s *Shell) Render(v conversation.View) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(v.Transcript)
	for s.printed < n {
		msg := v.Transcript[s.printed]
		isDraft := v.TurnInFlight && s.printed == n-1 && msg.Role == model.RoleAssistant

		if msg.Role == model.RoleUser {
			// the terminal already echoed it
			s.printed++
			continue
		}

		if !s.draftOpen {
			fmt.Fprint(s.out, s.styles.agent.Render("agent:")+" ")
			s.draftOpen = true
		}
		if len(msg.Content) > s.draftPrinted {
			fmt.Fprint(s.out, msg.Content[s.draftPrinted:])
		}

		if isDraft {
			s.draftPrinted = len(msg.Content)
			return
		}

		fmt.Fprintln(s.out)
		s.draftOpen = false
		s.draftPrinted = 0
		s.printed++
	}

	if s.draftOpen {
		// the draft vanished without being committed
		fmt.Fprintln(s.out)
		fmt.Fprintln(s.out, s.styles.err.Render("(reply interrupted)"))
		s.draftOpen = false
		s.draftPrinted = 0
	}
}

// Run starts the session and loops over user input until the form is
// completed, the input ends, or ctx is cancelled.
func (s *Shell) Run(ctx context.Context, ctrl *conversation.Controller, agentSlug, credential string) error {
	if err := s.start(ctx, ctrl, agentSlug, credential); err != nil {
		return err
	}

	for {
		v := ctrl.View()
		if v.Phase == conversation.PhaseCompleted {
			fmt.Fprintln(s.out, s.styles.done.Render("✔ All done. Thanks!"))
			return nil
		}

		field, hasField := ctrl.FieldInFocus()
		s.prompt(field, hasField)

		line, err := s.readLine()
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(s.out)
			return nil
		}
		if err != nil {
			return err
		}
		if strings.TrimSpace(line) == "/quit" {
			return nil
		}

		if hasField {
			for _, w := range fieldinput.Check(field, line) {
				fmt.Fprintln(s.out, s.styles.warning.Render("! "+w))
			}
		}

		err = ctrl.SendTurn(ctx, line)
		switch {
		case err == nil:
		case errors.Is(err, conversation.ErrEmptyInput):
		case errors.Is(err, fieldinput.ErrInvalidOption):
			fmt.Fprintln(s.out, s.styles.err.Render("Please pick one of: "+strings.Join(field.Options, ", ")))
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			var turnErr *conversation.TurnError
			if errors.As(err, &turnErr) {
				fmt.Fprintln(s.out, s.styles.err.Render("The agent's reply failed: "+turnErr.Err.Error()+". Send your answer again to retry."))
				continue
			}
			return err
		}
	}
}

func (s *Shell) start(ctx context.Context, ctrl *conversation.Controller, agentSlug, credential string) error {
	for attempt := 0; ; attempt++ {
		err := ctrl.Start(ctx, agentSlug, credential)
		var startErr *conversation.StartError
		if err == nil || !errors.As(err, &startErr) || !startErr.AuthRequired() {
			return err
		}
		if attempt >= maxPasswordAttempts {
			return err
		}

		if credential == "" {
			fmt.Fprint(s.out, s.styles.hint.Render("This agent requires a password: "))
		} else {
			fmt.Fprint(s.out, s.styles.err.Render("Wrong password, try again: "))
		}
		credential, err = s.password()
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
	}
}

// prompt shows what the agent is waiting for.
func (s *Shell) prompt(f schema.Field, ok bool) {
	if !ok {
		fmt.Fprint(s.out, s.styles.field.Render("> "))
		return
	}

	label := f.DisplayName()
	if f.Required {
		label += "*"
	}
	hint := string(f.Type)
	if len(f.Options) > 0 {
		hint += ": " + strings.Join(f.Options, " | ")
	}
	fmt.Fprintf(s.out, "%s %s\n%s ", s.styles.field.Render(label), s.styles.hint.Render("("+hint+")"), s.styles.field.Render(">"))
}

func (s *Shell) readLine() (string, error) {
	if !s.in.Scan() {
		if err := s.in.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return s.in.Text(), nil
}
