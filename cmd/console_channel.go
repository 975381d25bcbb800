package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/nextlevelbuilder/goclaw/internal/runner"
)

// consoleChannel is a stdin/stdout Channel (C12) for running a single
// workspace interactively from a terminal, with no platform transport
// configured. Every line typed becomes one inbound message on a fixed
// session key; replies are written to stdout prefixed by the workspace
// name so a multi-workspace run stays readable on one terminal.
type consoleChannel struct {
	workspace string

	mu     sync.Mutex
	on     runner.InboundFunc
	done   chan struct{}
	closed bool
}

func newConsoleChannel(workspace string) *consoleChannel {
	return &consoleChannel{workspace: workspace, done: make(chan struct{})}
}

func (c *consoleChannel) Subscribe(on runner.InboundFunc) error {
	c.mu.Lock()
	c.on = on
	c.mu.Unlock()

	go c.readLoop()
	return nil
}

func (c *consoleChannel) readLoop() {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-c.done:
			return
		default:
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		c.mu.Lock()
		on := c.on
		c.mu.Unlock()
		if on != nil {
			on(runner.InboundMessage{SessionKey: "console:" + c.workspace, Content: line})
		}
	}
}

func (c *consoleChannel) SendMessage(ctx context.Context, sessionKey, content string) error {
	fmt.Printf("[%s] %s\n", c.workspace, content)
	return nil
}

func (c *consoleChannel) SendFile(ctx context.Context, sessionKey, path, caption string) error {
	fmt.Printf("[%s] (file) %s %s\n", c.workspace, path, caption)
	return nil
}

func (c *consoleChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return nil
}
