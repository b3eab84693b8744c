package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"peerlink/network"
	"peerlink/storage"
)

type chatter interface {
	SendText(body string) (*storage.Message, error)
	SendImage(data []byte) (*storage.Message, error)
	MarkSeen(chatID string) error
	ActiveChat() string
}

type linker interface {
	SendPairingResponse(accepted bool) error
	State() network.State
	PairingState() network.PairingState
	Pending() []network.PendingMessage
	RemoteAddr() string
}

// console reads user input line by line. Plain lines are sent as text;
// lines starting with "/" are commands.
type console struct {
	in   io.Reader
	out  io.Writer
	chat chatter
	link linker
}

var errQuit = errors.New("quit")

func (c *console) run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			if err := c.handle(line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Fprintf(c.out, "! %v\n", err)
			}
		}
	}
}

func (c *console) handle(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := c.chat.SendText(line)
		return ignoreQueued(err)
	}

	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "img":
		if arg == "" {
			return errors.New("usage: /img <path>")
		}
		data, err := os.ReadFile(arg)
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}
		_, err = c.chat.SendImage(data)
		return ignoreQueued(err)
	case "seen":
		chatID := c.chat.ActiveChat()
		if chatID == "" {
			return errors.New("no active chat")
		}
		return c.chat.MarkSeen(chatID)
	case "accept":
		return c.link.SendPairingResponse(true)
	case "decline":
		return c.link.SendPairingResponse(false)
	case "status":
		fmt.Fprintf(c.out, "* state=%s pairing=%s pending=%d peer=%s\n",
			c.link.State(), c.link.PairingState(), len(c.link.Pending()), c.link.RemoteAddr())
		return nil
	case "quit", "exit":
		return errQuit
	case "help":
		fmt.Fprintln(c.out, "* /img <path>, /seen, /accept, /decline, /status, /quit")
		return nil
	default:
		return fmt.Errorf("unknown command /%s", name)
	}
}

// ignoreQueued treats "not connected" as success; the message waits in the
// pending queue.
func ignoreQueued(err error) error {
	if errors.Is(err, network.ErrNotConnected) {
		return nil
	}
	return err
}
