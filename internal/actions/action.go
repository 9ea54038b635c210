// Package actions provides the reversible steps that make up a backup run.
//
// Actions are assembled into a Runner. Some of them set up state (a
// snapshot, a mount) that has to be torn down again; the Runner guarantees
// that every action that was performed is also cleaned up, in reverse
// order, even when a later action fails.
package actions

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Action is one step of a backup run.
type Action interface {
	// Perform does the work of the action.
	Perform(ctx context.Context) error
	// Cleanup undoes whatever Perform set up. It must tolerate state that
	// was only partially created and must not fail when there is nothing
	// to clean up.
	Cleanup(ctx context.Context) error
	// Describe returns a one-line description of the action.
	Describe() string
}

// Message prints a banner describing the group of actions that follows.
type Message struct {
	text string
	out  io.Writer
}

// NewMessage creates a Message action writing to out.
func NewMessage(text string, out io.Writer) *Message {
	return &Message{text: text, out: out}
}

func (m *Message) Perform(ctx context.Context) error {
	rule := strings.Repeat("-", 60)
	fmt.Fprintln(m.out, rule)
	fmt.Fprintf(m.out, "    running: %s\n", m.text)
	fmt.Fprintln(m.out, rule)
	return nil
}

func (m *Message) Cleanup(ctx context.Context) error {
	return nil
}

func (m *Message) Describe() string {
	return fmt.Sprintf("    running: %s", m.text)
}
