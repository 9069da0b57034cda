package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// memStore is an in-memory MessageStore. Timestamps are assigned by the
// store, monotonically, mirroring the server-assigned ordering contract.
// Setting overmatch makes ListByKey behave like a permissive "in"-style
// store filter that matches sender OR recipient independently, to exercise
// the syncer's post-filter.
type memStore struct {
	mu        sync.Mutex
	msgs      []Message
	seq       int
	base      time.Time
	failList  bool
	failWrite bool
	overmatch bool
}

func newMemStore() *memStore {
	return &memStore{base: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (s *memStore) Append(_ context.Context, sender, recipient UserID, body string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite {
		return Message{}, errors.New("write refused")
	}
	s.seq++
	m := Message{
		ID:        fmt.Sprintf("m-%d", s.seq),
		Sender:    sender,
		Recipient: recipient,
		Body:      body,
		CreatedAt: s.base.Add(time.Duration(s.seq) * time.Second),
	}
	s.msgs = append(s.msgs, m)
	return m, nil
}

func (s *memStore) ListByKey(_ context.Context, key Key) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failList {
		return nil, errors.New("query refused")
	}
	var out []Message
	for _, m := range s.msgs {
		if s.overmatch {
			if key.Includes(m.Sender) || key.Includes(m.Recipient) {
				out = append(out, m)
			}
		} else if key.Matches(m.Sender, m.Recipient) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) setMessages(msgs []Message) {
	s.mu.Lock()
	s.msgs = msgs
	s.mu.Unlock()
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// memBus is an in-memory change bus delivering published events
// synchronously to every matching subscription.
type memBus struct {
	mu   sync.Mutex
	subs map[string]memSub // owner -> subscription
}

type memSub struct {
	subject string
	handler func([]byte)
}

func newMemBus() *memBus {
	return &memBus{subs: make(map[string]memSub)}
}

func (b *memBus) SubscribeConversation(subject, owner string, handler func(data []byte)) error {
	b.mu.Lock()
	b.subs[owner] = memSub{subject: subject, handler: handler}
	b.mu.Unlock()
	return nil
}

func (b *memBus) UnsubscribeConversation(owner string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[owner]; !ok {
		return fmt.Errorf("no subscription for owner %s", owner)
	}
	delete(b.subs, owner)
	return nil
}

func (b *memBus) PublishConversationChange(subject string, data []byte) error {
	b.mu.Lock()
	var handlers []func([]byte)
	for _, sub := range b.subs {
		if sub.subject == subject {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}
	return nil
}

func (b *memBus) subscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
