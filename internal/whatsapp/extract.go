package whatsapp

import (
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cast"
)

// ContentKind is the closed set of message-content variants the service understands.
type ContentKind int

const (
	KindText ContentKind = iota
	KindExtendedText
	KindImage
	KindVideo
	KindAudio
	KindDocument
	KindSticker
	KindUnsupported
)

// Type is the persisted message-type tag. Unsupported shapes are stored as "text".
func (k ContentKind) Type() string {
	switch k {
	case KindImage:
		return "image"
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindDocument:
		return "document"
	case KindSticker:
		return "sticker"
	}
	return "text"
}

type Content struct {
	Kind     ContentKind
	Body     string
	MediaURL string
	MimeType string
	FileName string
	Caption  string
	QuotedID string
}

// InboundMessage is the canonical form of one provider message payload.
type InboundMessage struct {
	ProviderID  string
	GeneratedID bool
	RemoteJID   string
	Participant string
	FromMe      bool
	PushName    string
	Phone       string
	Timestamp   time.Time
	IsGroup     bool
	Content     Content
}

func (m InboundMessage) Type() string { return m.Content.Kind.Type() }

type rawKey struct {
	ID          string `mapstructure:"id"`
	RemoteJID   string `mapstructure:"remoteJid"`
	FromMe      bool   `mapstructure:"fromMe"`
	Participant string `mapstructure:"participant"`
}

type rawEnvelope struct {
	Key              rawKey         `mapstructure:"key"`
	PushName         string         `mapstructure:"pushName"`
	Message          map[string]any `mapstructure:"message"`
	MessageTimestamp any            `mapstructure:"messageTimestamp"`
	Participant      string         `mapstructure:"participant"`
}

type rawContextInfo struct {
	StanzaID string `mapstructure:"stanzaId"`
}

type rawExtendedText struct {
	Text        string         `mapstructure:"text"`
	ContextInfo rawContextInfo `mapstructure:"contextInfo"`
}

type rawMedia struct {
	URL      string `mapstructure:"url"`
	Mimetype string `mapstructure:"mimetype"`
	Caption  string `mapstructure:"caption"`
	FileName string `mapstructure:"fileName"`
	Title    string `mapstructure:"title"`
}

type shape struct {
	key    string
	decode func(v any) (Content, bool)
}

// shapes is ordered: the first key present in the message object wins.
var shapes = []shape{
	{"conversation", func(v any) (Content, bool) {
		s, err := cast.ToStringE(v)
		if err != nil {
			return Content{}, false
		}
		return Content{Kind: KindText, Body: s}, true
	}},
	{"extendedTextMessage", func(v any) (Content, bool) {
		var ext rawExtendedText
		if !decode(v, &ext) {
			return Content{}, false
		}
		return Content{Kind: KindExtendedText, Body: ext.Text, QuotedID: ext.ContextInfo.StanzaID}, true
	}},
	{"imageMessage", mediaShape(KindImage, "[Image]")},
	{"videoMessage", mediaShape(KindVideo, "[Video]")},
	{"audioMessage", mediaShape(KindAudio, "[Audio]")},
	{"documentMessage", mediaShape(KindDocument, "[Document]")},
	{"stickerMessage", mediaShape(KindSticker, "[Sticker]")},
}

func mediaShape(kind ContentKind, label string) func(v any) (Content, bool) {
	return func(v any) (Content, bool) {
		var m rawMedia
		if !decode(v, &m) {
			return Content{}, false
		}
		c := Content{
			Kind:     kind,
			Body:     label,
			MediaURL: m.URL,
			MimeType: m.Mimetype,
			Caption:  m.Caption,
			FileName: m.FileName,
		}
		if c.FileName == "" {
			c.FileName = m.Title
		}
		if m.Caption != "" {
			c.Body = m.Caption
		} else if kind == KindDocument && c.FileName != "" {
			c.Body = label + " " + c.FileName
		}
		return c, true
	}
}

func decode(in any, out any) bool {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return false
	}
	return dec.Decode(in) == nil
}

// DecodeContent picks the message-content variant from the nested message object.
// Unknown or malformed shapes yield KindUnsupported with an empty body.
func DecodeContent(message map[string]any) Content {
	for _, s := range shapes {
		v, ok := message[s.key]
		if !ok || v == nil {
			continue
		}
		if c, ok := s.decode(v); ok {
			return c
		}
		break
	}
	return Content{Kind: KindUnsupported}
}

// ExtractMessage builds the canonical record for one raw message payload,
// optionally wrapped in a {"data": {...}} envelope. It never fails.
func ExtractMessage(raw map[string]any, receivedAt time.Time) InboundMessage {
	payload := raw
	if _, hasKey := raw["key"]; !hasKey {
		if inner, ok := raw["data"].(map[string]any); ok {
			payload = inner
		}
	}

	var env rawEnvelope
	if !decode(payload, &env) {
		env = rawEnvelope{}
		// salvage what we can field by field
		if k, ok := payload["key"].(map[string]any); ok {
			decode(k, &env.Key)
		}
		env.PushName = cast.ToString(payload["pushName"])
	}

	out := InboundMessage{
		ProviderID:  env.Key.ID,
		RemoteJID:   env.Key.RemoteJID,
		Participant: env.Key.Participant,
		FromMe:      env.Key.FromMe,
		PushName:    env.PushName,
		Timestamp:   parseTimestamp(env.MessageTimestamp, receivedAt),
		Content:     DecodeContent(env.Message),
	}
	if out.Participant == "" {
		out.Participant = env.Participant
	}
	if out.ProviderID == "" {
		out.ProviderID = "local-" + uuid.NewString()
		out.GeneratedID = true
	}
	out.IsGroup = IsGroupJID(out.RemoteJID)
	out.Phone = PhoneFromJID(out.RemoteJID)
	return out
}

// parseTimestamp accepts unix seconds or milliseconds as number or string.
func parseTimestamp(v any, fallback time.Time) time.Time {
	if v == nil {
		return fallback
	}
	// protobuf Long values sometimes arrive as {"low": n, "high": 0, "unsigned": true}
	if m, ok := v.(map[string]any); ok {
		v = m["low"]
	}
	n, err := cast.ToInt64E(v)
	if err != nil || n <= 0 {
		return fallback
	}
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}
