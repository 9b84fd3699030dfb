package chatsync

import "sync"

// View is the rendered message list a feed and a sender share.
type View interface {
	// Replace discards every rendered entry, including tentative ones, and
	// renders entries in order.
	Replace(entries []Entry)
	// Append renders one entry after the current ones.
	Append(e Entry)
	// Remove drops the entry with id and reports whether it was present.
	Remove(id string) bool
	// ScrollToEnd brings the newest entry into view.
	ScrollToEnd()
}

// MessageList is a goroutine-safe in-memory View. Mutations are serialised,
// so the last writer wins when a feed render races a tentative append.
type MessageList struct {
	mu       sync.Mutex
	entries  []Entry
	scrolled string
	renders  int
	onChange func(entries []Entry)
}

// NewMessageList creates an empty list.
func NewMessageList() *MessageList {
	return &MessageList{}
}

var _ View = (*MessageList)(nil)

// OnChange registers fn to receive a copy of the entries after each mutation.
func (l *MessageList) OnChange(fn func(entries []Entry)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

func (l *MessageList) Replace(entries []Entry) {
	l.mu.Lock()
	l.entries = append([]Entry(nil), entries...)
	l.renders++
	l.mu.Unlock()
	l.changed()
}

func (l *MessageList) Append(e Entry) {
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
	l.changed()
}

func (l *MessageList) Remove(id string) bool {
	l.mu.Lock()
	removed := false
	for i, e := range l.entries {
		if e.ID == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			removed = true
			break
		}
	}
	l.mu.Unlock()
	if removed {
		l.changed()
	}
	return removed
}

func (l *MessageList) ScrollToEnd() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.entries); n > 0 {
		l.scrolled = l.entries[n-1].ID
	}
}

// Entries returns a copy of the rendered entries.
func (l *MessageList) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Contains reports whether an entry with id is rendered.
func (l *MessageList) Contains(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.ID == id {
			return true
		}
	}
	return false
}

// ScrolledTo returns the id of the entry last scrolled into view.
func (l *MessageList) ScrolledTo() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scrolled
}

// Renders returns the number of full-replace renders so far.
func (l *MessageList) Renders() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.renders
}

func (l *MessageList) changed() {
	l.mu.Lock()
	fn := l.onChange
	snapshot := append([]Entry(nil), l.entries...)
	l.mu.Unlock()
	if fn != nil {
		fn(snapshot)
	}
}
