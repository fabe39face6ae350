package app

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrNotConfirmed is returned when the user declines a destructive operation.
var ErrNotConfirmed = errors.New("not confirmed")

// Confirmer asks the user to approve a destructive operation.
type Confirmer interface {
	Confirm(prompt string) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(prompt string) (bool, error)

func (f ConfirmFunc) Confirm(prompt string) (bool, error) { return f(prompt) }

// TerminalConfirmer prompts on a terminal. Without a terminal it refuses
// unless AssumeYes is set.
type TerminalConfirmer struct {
	In        *os.File
	Out       io.Writer
	AssumeYes bool
}

func (c *TerminalConfirmer) Confirm(prompt string) (bool, error) {
	if c.AssumeYes {
		return true, nil
	}
	if c.In == nil || !term.IsTerminal(int(c.In.Fd())) {
		return false, errors.New("confirmation required but input is not a terminal: rerun with --yes")
	}
	fmt.Fprintf(c.Out, "%s [y/N] ", prompt)
	line, err := bufio.NewReader(c.In).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("reading answer: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// ask returns nil only when confirm approves. A nil confirm never approves.
func ask(confirm Confirmer, prompt string) error {
	if confirm == nil {
		return ErrNotConfirmed
	}
	ok, err := confirm.Confirm(prompt)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotConfirmed
	}
	return nil
}
