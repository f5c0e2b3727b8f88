package models

// ChannelStatus represents the connection state of a sending channel.
// The channel itself is owned by an external collaborator; the engine
// only reads its status and treats anything other than online as a hard
// precondition failure.
type ChannelStatus string

const (
	ChannelStatusOnline     ChannelStatus = "online"
	ChannelStatusOffline    ChannelStatus = "offline"
	ChannelStatusConnecting ChannelStatus = "connecting"
)

// String returns the string representation of the status
func (s ChannelStatus) String() string {
	return string(s)
}

// Valid checks if the status is valid
func (s ChannelStatus) Valid() bool {
	switch s {
	case ChannelStatusOnline, ChannelStatusOffline, ChannelStatusConnecting:
		return true
	default:
		return false
	}
}

// SendingChannel is the read-only view of a channel returned by the
// channel-status collaborator.
type SendingChannel struct {
	ID         string        `json:"id"`
	Status     ChannelStatus `json:"status"`
	Credential string        `json:"credential"`
}

// Online reports whether the channel may be used for sending
func (c *SendingChannel) Online() bool {
	return c.Status == ChannelStatusOnline
}
