package messaging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/meshmq/meshmq/contracts"
)

var errBadFrame = errors.New("malformed frame")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fetchStep scripts one fetch outcome for the fake client.
type fetchStep struct {
	raw   string
	batch []string
	err   error
	empty bool
}

// fakeClient is a scripted in-memory broker client over string raw messages.
// Scripted steps are consumed first; afterwards fetches drain the inbox,
// timing out into benign empties.
type fakeClient struct {
	mu        sync.Mutex
	script    []fetchStep
	events    []string
	published []contracts.PublishCommand
	pubErrs   []error
	fetchN    int
	closed    bool

	inbox chan string
	pubCh chan contracts.PublishCommand
}

func newFakeClient(steps ...fetchStep) *fakeClient {
	return &fakeClient{
		script: steps,
		inbox:  make(chan string, 16),
		pubCh:  make(chan contracts.PublishCommand, 16),
	}
}

func (c *fakeClient) FetchOne(ctx context.Context, timeout time.Duration) (string, bool, error) {
	c.mu.Lock()
	c.fetchN++
	if len(c.script) > 0 {
		step := c.script[0]
		c.script = c.script[1:]
		c.mu.Unlock()
		if step.err != nil {
			return "", false, step.err
		}
		if step.empty {
			return "", false, nil
		}
		return step.raw, true, nil
	}
	c.mu.Unlock()

	select {
	case raw := <-c.inbox:
		return raw, true, nil
	case <-time.After(timeout):
		return "", false, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

func (c *fakeClient) FetchMany(ctx context.Context, timeout time.Duration, max int) ([]string, error) {
	c.mu.Lock()
	c.fetchN++
	if len(c.script) > 0 {
		step := c.script[0]
		c.script = c.script[1:]
		c.mu.Unlock()
		if step.err != nil {
			return nil, step.err
		}
		if max < len(step.batch) {
			return step.batch[:max], nil
		}
		return step.batch, nil
	}
	c.mu.Unlock()

	select {
	case <-time.After(timeout):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeClient) Ack(ctx context.Context, raw string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, "ack:"+raw)
	return nil
}

func (c *fakeClient) Nack(ctx context.Context, raw string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, "nack:"+raw)
	return nil
}

func (c *fakeClient) Publish(ctx context.Context, cmd contracts.PublishCommand) error {
	c.mu.Lock()
	if len(c.pubErrs) > 0 {
		err := c.pubErrs[0]
		c.pubErrs = c.pubErrs[1:]
		c.mu.Unlock()
		if err != nil {
			return err
		}
	} else {
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.published = append(c.published, cmd)
	c.mu.Unlock()

	select {
	case c.pubCh <- cmd:
	default:
	}
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) ackEvents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	copy(out, c.events)
	return out
}

func (c *fakeClient) fetchCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchN
}

func (c *fakeClient) publishedCommands() []contracts.PublishCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]contracts.PublishCommand, len(c.published))
	copy(out, c.published)
	return out
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) factory() ClientFactory[string] {
	return func(ctx context.Context) (BrokerClient[string], error) {
		return c, nil
	}
}

// testParser parses string raws into envelopes, failing on a designated raw.
type testParser struct {
	failOn string
}

func (p testParser) Parse(raw string) (*contracts.Envelope[string], error) {
	if p.failOn != "" && raw == p.failOn {
		return nil, errBadFrame
	}
	return &contracts.Envelope[string]{
		Raw:       raw,
		Payload:   []byte(raw),
		Headers:   map[string]string{},
		MessageID: raw,
	}, nil
}

func (p testParser) ParseBatch(raws []string) (*contracts.Envelope[string], error) {
	env := &contracts.Envelope[string]{
		RawBatch: raws,
		Headers:  map[string]string{},
	}
	for _, raw := range raws {
		if p.failOn != "" && raw == p.failOn {
			return nil, errBadFrame
		}
		env.BatchPayloads = append(env.BatchPayloads, []byte(raw))
	}
	return env, nil
}
