package client

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
)

// QuitCommand ends the console loop without sending anything.
const QuitCommand = ":quit"

// Sender is the part of a Client the console loop needs.
type Sender interface {
	Send(text string) error
	Done() <-chan struct{}
}

// IsQuit reports whether line is the quit sentinel, ignoring case and
// surrounding whitespace.
func IsQuit(line string) bool {
	return strings.EqualFold(strings.TrimSpace(line), QuitCommand)
}

// RunConsole turns every input line into one outbound message until the
// quit sentinel, end of input, ctx cancellation, or the network task
// stopping. The last case returns ErrDisconnected.
func RunConsole(ctx context.Context, in io.Reader, s Sender) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		defer close(lines)
		reader := bufio.NewReader(in)
		for {
			line, err := reader.ReadString('\n')
			if line != "" || err == nil {
				select {
				case lines <- strings.TrimRight(line, "\r\n"):
				case <-stop:
					return
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = nil
				}
				scanErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.Done():
			return ErrDisconnected
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			if IsQuit(line) {
				return nil
			}
			if err := s.Send(strings.TrimSpace(line)); err != nil {
				return err
			}
		}
	}
}
