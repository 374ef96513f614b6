package local

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"sync"

	"github.com/alanyoungcy/slabscan/internal/domain"
)

const (
	subscriberBuffer = 64
	streamMaxLen     = 1000
)

type subscriber struct {
	pattern string
	ch      chan []byte
}

// SignalBus implements domain.SignalBus inside one process. Slow
// subscribers lose messages rather than block publishers.
type SignalBus struct {
	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	streams map[string][]domain.StreamMessage
	seq     uint64
}

// NewSignalBus creates an empty bus.
func NewSignalBus() *SignalBus {
	return &SignalBus{
		subs:    make(map[*subscriber]struct{}),
		streams: make(map[string][]domain.StreamMessage),
	}
}

// Publish delivers payload to every subscriber whose pattern matches.
func (b *SignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if ok, _ := path.Match(s.pattern, channel); !ok {
			continue
		}
		select {
		case s.ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe registers for channel, which may be a glob pattern. The
// returned channel is closed when ctx is done.
func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if _, err := path.Match(channel, ""); err != nil {
		return nil, fmt.Errorf("local: subscribe %s: %w", channel, err)
	}
	s := &subscriber{pattern: channel, ch: make(chan []byte, subscriberBuffer)}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, s)
		close(s.ch)
		b.mu.Unlock()
	}()
	return s.ch, nil
}

// StreamAppend appends payload to stream, keeping the newest entries.
func (b *SignalBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	msgs := append(b.streams[stream], domain.StreamMessage{
		ID:      strconv.FormatUint(b.seq, 10),
		Payload: append([]byte(nil), payload...),
	})
	if len(msgs) > streamMaxLen {
		msgs = msgs[len(msgs)-streamMaxLen:]
	}
	b.streams[stream] = msgs
	return nil
}

// StreamRead returns up to count entries after lastID ("0" for the start).
func (b *SignalBus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	after := uint64(0)
	if lastID != "" {
		n, err := strconv.ParseUint(lastID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("local: stream read %s: invalid id %q", stream, lastID)
		}
		after = n
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.StreamMessage
	for _, m := range b.streams[stream] {
		id, _ := strconv.ParseUint(m.ID, 10, 64)
		if id <= after {
			continue
		}
		out = append(out, m)
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}

var _ domain.SignalBus = (*SignalBus)(nil)
