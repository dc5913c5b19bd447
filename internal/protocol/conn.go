package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("protocol: connection closed")

// ErrMalformed wraps decode failures returned by Receive. The offending
// line has been consumed, so the caller may keep reading.
var ErrMalformed = errors.New("protocol: malformed message")

type envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode renders m as a single JSON line.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("protocol: nil message")
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", m.Type(), err)
	}
	line, err := json.Marshal(envelope{Type: m.Type(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", m.Type(), err)
	}
	return append(line, '\n'), nil
}

// Decode parses one JSON line into its typed message.
func Decode(line []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	msg, err := newMessage(env.Type)
	if err != nil {
		return nil, err
	}
	if len(env.Payload) > 0 && !bytes.Equal(env.Payload, []byte("null")) {
		if err := json.Unmarshal(env.Payload, msg); err != nil {
			return nil, fmt.Errorf("protocol: decode %s: %w", env.Type, err)
		}
	}
	return deref(msg), nil
}

func newMessage(t Type) (any, error) {
	switch t {
	case TypeInit:
		return &Init{}, nil
	case TypeConfigChanged:
		return &ConfigChanged{}, nil
	case TypeShutdown:
		return &Shutdown{}, nil
	case TypeStartLauncher:
		return &StartLauncher{}, nil
	case TypeStopLauncher:
		return &StopLauncher{}, nil
	case TypePromoteOverrides:
		return &PromoteOverrides{}, nil
	case TypeReady:
		return &Ready{}, nil
	case TypeRegistryContribution:
		return &RegistryContribution{}, nil
	case TypeGraphSnapshot:
		return &GraphSnapshot{}, nil
	case TypeGraphPatch:
		return &GraphPatch{}, nil
	case TypeLauncherRegistered:
		return &LauncherRegistered{}, nil
	case TypeLauncherStarted:
		return &LauncherStarted{}, nil
	case TypeLauncherStopped:
		return &LauncherStopped{}, nil
	case TypeLauncherError:
		return &LauncherError{}, nil
	case TypeLauncherLog:
		return &LauncherLog{}, nil
	case TypeModuleActivationStatus:
		return &ModuleActivationStatus{}, nil
	case TypePromotionResult:
		return &PromotionResult{}, nil
	case TypePromotionError:
		return &PromotionError{}, nil
	case TypeSectionRegistered:
		return &SectionRegistered{}, nil
	case TypeError:
		return &Failure{}, nil
	default:
		return nil, fmt.Errorf("protocol: unknown message type %q", t)
	}
}

func deref(v any) Message {
	switch m := v.(type) {
	case *Init:
		return *m
	case *ConfigChanged:
		return *m
	case *Shutdown:
		return *m
	case *StartLauncher:
		return *m
	case *StopLauncher:
		return *m
	case *PromoteOverrides:
		return *m
	case *Ready:
		return *m
	case *RegistryContribution:
		return *m
	case *GraphSnapshot:
		return *m
	case *GraphPatch:
		return *m
	case *LauncherRegistered:
		return *m
	case *LauncherStarted:
		return *m
	case *LauncherStopped:
		return *m
	case *LauncherError:
		return *m
	case *LauncherLog:
		return *m
	case *ModuleActivationStatus:
		return *m
	case *PromotionResult:
		return *m
	case *PromotionError:
		return *m
	case *SectionRegistered:
		return *m
	case *Failure:
		return *m
	default:
		return nil
	}
}

// Conn carries messages over a reliable ordered byte stream, one JSON
// envelope per line. Send may be called from any goroutine; Receive must
// be called from a single reader.
type Conn struct {
	reader *bufio.Reader
	closer io.Closer

	mu     sync.Mutex
	writer io.Writer
	closed bool
}

// NewConn wraps r and w. closer, when non-nil, is closed by Close.
func NewConn(r io.Reader, w io.Writer, closer io.Closer) *Conn {
	return &Conn{reader: bufio.NewReaderSize(r, 64*1024), writer: w, closer: closer}
}

// Send writes m as one line.
func (c *Conn) Send(m Message) error {
	line, err := Encode(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, err := c.writer.Write(line); err != nil {
		return fmt.Errorf("protocol: send %s: %w", m.Type(), err)
	}
	return nil
}

// Receive blocks for the next message. It returns io.EOF when the peer
// closed the stream.
func (c *Conn) Receive() (Message, error) {
	for {
		line, err := c.reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			msg, decodeErr := Decode(line)
			if decodeErr != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, decodeErr)
			}
			return msg, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Close marks the connection closed and closes the underlying closer.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}
