package gateway

import (
	"context"
	"encoding/json"
	"net/http"
)

// WebhookEvents are the provider events the service subscribes to.
var WebhookEvents = []string{
	"QRCODE_UPDATED",
	"CONNECTION_UPDATE",
	"MESSAGES_UPSERT",
	"MESSAGES_UPDATE",
	"CONTACTS_UPDATE",
	"CONTACTS_UPSERT",
}

type QRCode struct {
	Code        string `json:"code"`
	Base64      string `json:"base64"`
	PairingCode string `json:"pairingCode"`
}

type CreatedInstance struct {
	InstanceName string
	InstanceID   string
	Status       string
	QR           *QRCode
}

type createInstanceReq struct {
	InstanceName string         `json:"instanceName"`
	QRCode       bool           `json:"qrcode"`
	Integration  string         `json:"integration"`
	Webhook      map[string]any `json:"webhook,omitempty"`
}

type createInstanceResp struct {
	Instance struct {
		InstanceName string `json:"instanceName"`
		InstanceID   string `json:"instanceId"`
		Status       string `json:"status"`
	} `json:"instance"`
	QRCode *QRCode `json:"qrcode"`
}

func (c *Client) CreateInstance(ctx context.Context, name, webhookURL string) (*CreatedInstance, error) {
	req := createInstanceReq{
		InstanceName: name,
		QRCode:       true,
		Integration:  "WHATSAPP-BAILEYS",
	}
	if webhookURL != "" {
		req.Webhook = map[string]any{
			"url":      webhookURL,
			"byEvents": false,
			"base64":   false,
			"events":   WebhookEvents,
		}
	}

	var resp createInstanceResp
	if err := c.Do(ctx, http.MethodPost, "/instance/create", req, &resp); err != nil {
		return nil, err
	}
	out := &CreatedInstance{
		InstanceName: resp.Instance.InstanceName,
		InstanceID:   resp.Instance.InstanceID,
		Status:       resp.Instance.Status,
	}
	if resp.QRCode != nil && (resp.QRCode.Code != "" || resp.QRCode.Base64 != "") {
		out.QR = resp.QRCode
	}
	return out, nil
}

// ConnectionState returns the provider's raw state word (open, close, connecting, ...).
func (c *Client) ConnectionState(ctx context.Context, name string) (string, error) {
	var resp struct {
		Instance struct {
			State string `json:"state"`
		} `json:"instance"`
		State string `json:"state"`
	}
	if err := c.Do(ctx, http.MethodGet, "/instance/connectionState/"+esc(name), nil, &resp); err != nil {
		return "", err
	}
	if resp.Instance.State != "" {
		return resp.Instance.State, nil
	}
	return resp.State, nil
}

// Connect asks the provider for a fresh QR / pairing code.
func (c *Client) Connect(ctx context.Context, name string) (*QRCode, error) {
	var qr QRCode
	if err := c.Do(ctx, http.MethodGet, "/instance/connect/"+esc(name), nil, &qr); err != nil {
		return nil, err
	}
	return &qr, nil
}

func (c *Client) Restart(ctx context.Context, name string) error {
	return c.Do(ctx, http.MethodPost, "/instance/restart/"+esc(name), nil, nil)
}

func (c *Client) Logout(ctx context.Context, name string) error {
	return c.Do(ctx, http.MethodDelete, "/instance/logout/"+esc(name), nil, nil)
}

func (c *Client) Delete(ctx context.Context, name string) error {
	return c.Do(ctx, http.MethodDelete, "/instance/delete/"+esc(name), nil, nil)
}

type SentMessage struct {
	ID string
}

func (c *Client) SendText(ctx context.Context, name, number, text string) (*SentMessage, error) {
	var resp struct {
		Key struct {
			ID string `json:"id"`
		} `json:"key"`
	}
	body := map[string]any{"number": number, "text": text}
	if err := c.Do(ctx, http.MethodPost, "/message/sendText/"+esc(name), body, &resp); err != nil {
		return nil, err
	}
	return &SentMessage{ID: resp.Key.ID}, nil
}

type Contact struct {
	ID            string `json:"id"`
	RemoteJID     string `json:"remoteJid"`
	PushName      string `json:"pushName"`
	ProfilePicURL string `json:"profilePicUrl"`
}

// JID returns whichever identifier field the provider version filled in.
func (ct Contact) JID() string {
	if ct.RemoteJID != "" {
		return ct.RemoteJID
	}
	return ct.ID
}

func (c *Client) FindContacts(ctx context.Context, name string) ([]Contact, error) {
	var out []Contact
	if err := c.Do(ctx, http.MethodPost, "/chat/findContacts/"+esc(name), map[string]any{}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FindMessages returns raw message payloads, newest first, in the same shape
// the provider uses for messages.upsert webhooks.
func (c *Client) FindMessages(ctx context.Context, name string, limit int) ([]map[string]any, error) {
	var raw json.RawMessage
	body := map[string]any{"where": map[string]any{}, "limit": limit}
	if err := c.Do(ctx, http.MethodPost, "/chat/findMessages/"+esc(name), body, &raw); err != nil {
		return nil, err
	}

	// older versions return a bare array, newer ones a paginated envelope
	var list []map[string]any
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var paged struct {
		Messages struct {
			Records []map[string]any `json:"records"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(raw, &paged); err != nil {
		return nil, err
	}
	return paged.Messages.Records, nil
}

type Group struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
}

func (c *Client) FetchGroups(ctx context.Context, name string) ([]Group, error) {
	var out []Group
	path := "/group/fetchAllGroups/" + esc(name) + "?getParticipants=false"
	if err := c.Do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
