package gateway

import (
	"context"
	"fmt"
	"sync"
)

// SentMessage records one outbound message for assertions.
type SentMessage struct {
	ChannelID string
	MessageID string
	Content   string
	Embed     *Embed
	Buttons   []Button
	Edited    bool
}

// Fake is an in-memory Gateway for tests. It records every outbound call and
// lets tests mark users as CRT members or force failures per channel.
type Fake struct {
	mu        sync.Mutex
	nextID    int
	Sent      []SentMessage
	dms       map[string]string          // userID -> DM channel id
	roles     map[string]map[string]bool // roleID -> userID -> member
	FailSend  map[string]bool            // channelID -> fail SendEmbed/SendMessage
	SendErr   map[string]error           // channelID -> error returned instead of the default
	attempts  map[string]int             // channelID -> send attempts, successful or not
	connected bool
}

// NewFake creates a connected Fake.
func NewFake() *Fake {
	return &Fake{
		dms:       make(map[string]string),
		roles:     make(map[string]map[string]bool),
		FailSend:  make(map[string]bool),
		SendErr:   make(map[string]error),
		attempts:  make(map[string]int),
		connected: true,
	}
}

// GrantRole marks a user as a member of a role.
func (f *Fake) GrantRole(roleID, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.roles[roleID] == nil {
		f.roles[roleID] = make(map[string]bool)
	}
	f.roles[roleID][userID] = true
}

// SetConnected overrides the connection state.
func (f *Fake) SetConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

func (f *Fake) newID() string {
	f.nextID++
	return fmt.Sprintf("msg-%d", f.nextID)
}

func (f *Fake) SendMessage(_ context.Context, channelID, text string) (string, error) {
	return f.send(channelID, text, nil, nil)
}

func (f *Fake) SendEmbed(_ context.Context, channelID, content string, embed *Embed, buttons []Button) (string, error) {
	return f.send(channelID, content, embed, buttons)
}

func (f *Fake) send(channelID, content string, embed *Embed, buttons []Button) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[channelID]++
	if err := f.SendErr[channelID]; err != nil {
		return "", err
	}
	if f.FailSend[channelID] {
		return "", fmt.Errorf("send to %s failed", channelID)
	}
	id := f.newID()
	f.Sent = append(f.Sent, SentMessage{
		ChannelID: channelID,
		MessageID: id,
		Content:   content,
		Embed:     embed,
		Buttons:   buttons,
	})
	return id, nil
}

func (f *Fake) EditEmbed(_ context.Context, channelID, messageID, content string, embed *Embed, buttons []Button) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sent = append(f.Sent, SentMessage{
		ChannelID: channelID,
		MessageID: messageID,
		Content:   content,
		Embed:     embed,
		Buttons:   buttons,
		Edited:    true,
	})
	return nil
}

func (f *Fake) OpenDM(_ context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.dms[userID]; ok {
		return ch, nil
	}
	ch := "dm-" + userID
	f.dms[userID] = ch
	return ch, nil
}

func (f *Fake) MemberHasRole(_ context.Context, _, userID, roleID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roles[roleID][userID], nil
}

func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) Close() error {
	f.SetConnected(false)
	return nil
}

// MessagesTo returns all messages sent to a channel.
func (f *Fake) MessagesTo(channelID string) []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []SentMessage
	for _, m := range f.Sent {
		if m.ChannelID == channelID {
			out = append(out, m)
		}
	}
	return out
}

// LastTo returns the most recent message sent to a channel, or nil.
func (f *Fake) LastTo(channelID string) *SentMessage {
	msgs := f.MessagesTo(channelID)
	if len(msgs) == 0 {
		return nil
	}
	return &msgs[len(msgs)-1]
}

// SendAttempts returns how many times a send targeted a channel, counting
// failed attempts.
func (f *Fake) SendAttempts(channelID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[channelID]
}

// DMChannel returns the DM channel id the fake allocated for a user.
func (f *Fake) DMChannel(userID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dms[userID]
}

// FakeResponder records interaction responses.
type FakeResponder struct {
	mu           sync.Mutex
	Ephemeral    []string
	Acknowledged bool
}

func (r *FakeResponder) RespondEphemeral(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Ephemeral = append(r.Ephemeral, text)
	return nil
}

func (r *FakeResponder) Acknowledge(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Acknowledged = true
	return nil
}
