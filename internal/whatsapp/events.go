package whatsapp

import (
	"strings"
	"time"

	"github.com/spf13/cast"
)

// UnknownInstance is used when a payload names no instance at all.
const UnknownInstance = "unknown"

// Event is one classified webhook payload. The concrete types below are the
// only implementations.
type Event interface {
	InstanceName() string
	EventName() string
}

type base struct {
	Instance string
	Name     string
}

func (b base) InstanceName() string { return b.Instance }
func (b base) EventName() string    { return b.Name }

type QRUpdate struct {
	base
	Code        string
	Base64      string
	PairingCode string
}

type ConnectionUpdate struct {
	base
	State          string
	StatusReason   int
	WUID           string
	ProfileName    string
	ProfilePicture string
	// At is the provider-side time of the change, zero when the payload has none.
	At time.Time
}

type MessageUpsert struct {
	base
	Messages []map[string]any
}

type StatusUpdate struct {
	ProviderMessageID string
	RemoteJID         string
	FromMe            bool
	Status            string
}

type MessageUpdate struct {
	base
	Updates []StatusUpdate
}

type ContactUpdate struct {
	JID           string
	PushName      string
	ProfilePicURL string
}

type ContactsUpdate struct {
	base
	Contacts []ContactUpdate
}

type Unhandled struct {
	base
}

type eventKind int

const (
	evQR eventKind = iota + 1
	evConnection
	evUpsert
	evUpdate
	evContacts
)

// The provider has used a dotted lowercase and an upper snake spelling across versions.
var eventNames = map[string]eventKind{
	"qrcode.updated":    evQR,
	"QRCODE_UPDATED":    evQR,
	"connection.update": evConnection,
	"CONNECTION_UPDATE": evConnection,
	"messages.upsert":   evUpsert,
	"MESSAGES_UPSERT":   evUpsert,
	"messages.update":   evUpdate,
	"MESSAGES_UPDATE":   evUpdate,
	"contacts.update":   evContacts,
	"CONTACTS_UPDATE":   evContacts,
	"contacts.upsert":   evContacts,
	"CONTACTS_UPSERT":   evContacts,
}

// ResolveInstanceName applies the historical key order:
// instance, instanceName, data.instance, data.instanceName.
func ResolveInstanceName(raw map[string]any) string {
	if s := str(raw["instance"]); s != "" {
		return s
	}
	if s := str(raw["instanceName"]); s != "" {
		return s
	}
	if data, ok := raw["data"].(map[string]any); ok {
		if s := str(data["instance"]); s != "" {
			return s
		}
		if s := str(data["instanceName"]); s != "" {
			return s
		}
	}
	return UnknownInstance
}

// Normalize classifies a raw webhook payload. Unknown event names produce Unhandled.
func Normalize(raw map[string]any) Event {
	name := str(raw["event"])
	if name == "" {
		name = str(raw["type"])
	}
	b := base{Instance: ResolveInstanceName(raw), Name: name}

	data, _ := raw["data"].(map[string]any)
	switch eventNames[name] {
	case evQR:
		return normalizeQR(b, data)
	case evConnection:
		return normalizeConnection(b, raw, data)
	case evUpsert:
		return MessageUpsert{base: b, Messages: upsertMessages(raw["data"])}
	case evUpdate:
		return MessageUpdate{base: b, Updates: statusUpdates(raw["data"])}
	case evContacts:
		return ContactsUpdate{base: b, Contacts: contactUpdates(raw["data"])}
	}
	return Unhandled{base: b}
}

func normalizeQR(b base, data map[string]any) QRUpdate {
	src := data
	if nested, ok := data["qrcode"].(map[string]any); ok {
		src = nested
	}
	var qr struct {
		Code        string `mapstructure:"code"`
		Base64      string `mapstructure:"base64"`
		PairingCode string `mapstructure:"pairingCode"`
	}
	decode(src, &qr)
	return QRUpdate{base: b, Code: qr.Code, Base64: qr.Base64, PairingCode: qr.PairingCode}
}

func normalizeConnection(b base, raw, data map[string]any) ConnectionUpdate {
	var cu struct {
		State             string `mapstructure:"state"`
		Connection        string `mapstructure:"connection"`
		StatusReason      int    `mapstructure:"statusReason"`
		WUID              string `mapstructure:"wuid"`
		ProfileName       string `mapstructure:"profileName"`
		ProfilePictureURL string `mapstructure:"profilePictureUrl"`
	}
	decode(data, &cu)
	state := cu.State
	if state == "" {
		state = cu.Connection
	}

	at := parseEventTime(raw["date_time"])
	if at.IsZero() && data != nil {
		at = parseEventTime(data["timestamp"])
	}

	return ConnectionUpdate{
		base:           b,
		State:          strings.ToLower(strings.TrimSpace(state)),
		StatusReason:   cu.StatusReason,
		WUID:           cu.WUID,
		ProfileName:    cu.ProfileName,
		ProfilePicture: cu.ProfilePictureURL,
		At:             at,
	}
}

// upsertMessages accepts {"messages": [...]}, a single message object, or a bare array.
func upsertMessages(data any) []map[string]any {
	switch d := data.(type) {
	case map[string]any:
		if list, ok := d["messages"].([]any); ok {
			return maps(list)
		}
		if _, ok := d["key"]; ok {
			return []map[string]any{d}
		}
	case []any:
		return maps(d)
	}
	return nil
}

func statusUpdates(data any) []StatusUpdate {
	var items []map[string]any
	switch d := data.(type) {
	case map[string]any:
		items = []map[string]any{d}
	case []any:
		items = maps(d)
	}

	out := make([]StatusUpdate, 0, len(items))
	for _, it := range items {
		var u struct {
			KeyID     string `mapstructure:"keyId"`
			MessageID string `mapstructure:"messageId"`
			RemoteJID string `mapstructure:"remoteJid"`
			FromMe    bool   `mapstructure:"fromMe"`
			Status    any    `mapstructure:"status"`
			Key       rawKey `mapstructure:"key"`
			Update    struct {
				Status any `mapstructure:"status"`
			} `mapstructure:"update"`
		}
		decode(it, &u)

		su := StatusUpdate{
			ProviderMessageID: firstNonEmpty(u.KeyID, u.Key.ID, u.MessageID),
			RemoteJID:         firstNonEmpty(u.RemoteJID, u.Key.RemoteJID),
			FromMe:            u.FromMe || u.Key.FromMe,
		}
		status := u.Status
		if status == nil {
			status = u.Update.Status
		}
		su.Status = MapDeliveryStatus(status)
		if su.ProviderMessageID == "" || su.Status == "" {
			continue
		}
		out = append(out, su)
	}
	return out
}

func contactUpdates(data any) []ContactUpdate {
	var items []map[string]any
	switch d := data.(type) {
	case map[string]any:
		items = []map[string]any{d}
	case []any:
		items = maps(d)
	}

	out := make([]ContactUpdate, 0, len(items))
	for _, it := range items {
		var c struct {
			RemoteJID     string `mapstructure:"remoteJid"`
			ID            string `mapstructure:"id"`
			PushName      string `mapstructure:"pushName"`
			Name          string `mapstructure:"name"`
			ProfilePicURL string `mapstructure:"profilePicUrl"`
		}
		decode(it, &c)
		cu := ContactUpdate{
			JID:           firstNonEmpty(c.RemoteJID, c.ID),
			PushName:      firstNonEmpty(c.PushName, c.Name),
			ProfilePicURL: c.ProfilePicURL,
		}
		if cu.JID == "" {
			continue
		}
		out = append(out, cu)
	}
	return out
}

// MapDeliveryStatus maps provider ack values (names or Baileys numeric codes)
// onto sent / delivered / read / failed / pending. Unknown values map to "".
func MapDeliveryStatus(v any) string {
	if v == nil {
		return ""
	}
	if n, err := cast.ToIntE(v); err == nil {
		switch n {
		case 0:
			return "failed"
		case 1:
			return "pending"
		case 2:
			return "sent"
		case 3:
			return "delivered"
		case 4, 5:
			return "read"
		}
		return ""
	}
	switch strings.ToUpper(cast.ToString(v)) {
	case "ERROR":
		return "failed"
	case "PENDING":
		return "pending"
	case "SERVER_ACK", "SENT":
		return "sent"
	case "DELIVERY_ACK", "DELIVERED":
		return "delivered"
	case "READ", "PLAYED":
		return "read"
	}
	return ""
}

func parseEventTime(v any) time.Time {
	if v == nil {
		return time.Time{}
	}
	if s, ok := v.(string); ok {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC()
			}
		}
	}
	return parseTimestamp(v, time.Time{})
}

func maps(list []any) []map[string]any {
	out := make([]map[string]any, 0, len(list))
	for _, it := range list {
		if m, ok := it.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func str(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
