// Package presence defines the per-connection Session record and the fixed
// schema identity/state Record clients send as binary frames.
package presence

import "time"

// DefaultType is the session type before a client identifies itself.
const DefaultType = "viewer"

// Session is the mutable state kept for one live connection. Optional fields
// are nil until a login record supplies them.
type Session struct {
	ID        *uint32 `json:"id"`
	Type      string  `json:"type"`
	CreatedAt int64   `json:"createdAt"`
	DeviceID  uint64  `json:"deviceID"`
	Server    int     `json:"server"`
	Space     string  `json:"space"`
	Host      string  `json:"host"`

	Nickname        *string  `json:"nickname,omitempty"`
	Device          *string  `json:"device,omitempty"`
	ClientDeviceID  *string  `json:"clientDeviceID,omitempty"`
	Authority       *bool    `json:"authority,omitempty"`
	Avatar          *string  `json:"avatar,omitempty"`
	Pox             *float32 `json:"pox,omitempty"`
	Poy             *float32 `json:"poy,omitempty"`
	Poz             *float32 `json:"poz,omitempty"`
	Roy             *float32 `json:"roy,omitempty"`
	State           *string  `json:"state,omitempty"`
	ClientTimestamp *uint64  `json:"clientTimestamp,omitempty"`
}

// NewSession builds the session stamped on a connection at open time.
func NewSession(deviceID uint64, server int, space, host string, now time.Time) Session {
	return Session{
		Type:      DefaultType,
		CreatedAt: now.UnixMilli(),
		DeviceID:  deviceID,
		Server:    server,
		Space:     space,
		Host:      host,
	}
}

// Clone returns a deep copy so snapshots handed to subscribers never alias
// the live session.
func (s Session) Clone() Session {
	c := s
	c.ID = clonePtr(s.ID)
	c.Nickname = clonePtr(s.Nickname)
	c.Device = clonePtr(s.Device)
	c.ClientDeviceID = clonePtr(s.ClientDeviceID)
	c.Authority = clonePtr(s.Authority)
	c.Avatar = clonePtr(s.Avatar)
	c.Pox = clonePtr(s.Pox)
	c.Poy = clonePtr(s.Poy)
	c.Poz = clonePtr(s.Poz)
	c.Roy = clonePtr(s.Roy)
	c.State = clonePtr(s.State)
	c.ClientTimestamp = clonePtr(s.ClientTimestamp)
	return c
}

// Merge copies every field present in r onto the session. Fields absent from
// r keep their current value. The server allocated DeviceID, the shard, the
// space and the creation time are never touched.
func (s *Session) Merge(r Record) {
	mergeInto(&s.ID, r.ID)
	if r.Type != nil {
		s.Type = *r.Type
	}
	mergeInto(&s.Nickname, r.Nickname)
	mergeInto(&s.Device, r.Device)
	mergeInto(&s.ClientDeviceID, r.DeviceID)
	mergeInto(&s.Authority, r.Authority)
	mergeInto(&s.Avatar, r.Avatar)
	mergeInto(&s.Pox, r.Pox)
	mergeInto(&s.Poy, r.Poy)
	mergeInto(&s.Poz, r.Poz)
	mergeInto(&s.Roy, r.Roy)
	mergeInto(&s.State, r.State)
	if r.Host != nil {
		s.Host = *r.Host
	}
	mergeInto(&s.ClientTimestamp, r.Timestamp)
}

func mergeInto[T any](dst **T, src *T) {
	if src != nil {
		*dst = clonePtr(src)
	}
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
