package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// console owns stdin. One goroutine reads lines so prompts and the send
// loop never compete for the same reader.
type console struct {
	out   io.Writer
	yes   bool
	lines chan string

	mu sync.Mutex // serializes output
}

func newConsole(in io.Reader, out io.Writer, yes bool) *console {
	c := &console{out: out, yes: yes, lines: make(chan string)}
	go func() {
		defer close(c.lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			c.lines <- sc.Text()
		}
	}()
	return c
}

// Lines delivers stdin lines; it is closed at EOF.
func (c *console) Lines() <-chan string { return c.lines }

func (c *console) Println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, s)
}

// Confirm asks a yes/no question. With --yes the answer is always yes.
func (c *console) Confirm(ctx context.Context, question string) (bool, error) {
	if c.yes {
		c.Println(stylePrompt.Render(question) + " yes")
		return true, nil
	}
	c.mu.Lock()
	fmt.Fprint(c.out, stylePrompt.Render(question)+" [y/N] ")
	c.mu.Unlock()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case line, ok := <-c.lines:
		if !ok {
			return false, io.EOF
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}

func (c *console) Notify(msg string) {
	c.Println(styleHint.Render("hint: " + msg))
}
