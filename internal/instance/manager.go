package instance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/agentdesk/internal/gateway"
	"gorm.io/datatypes"
)

// Gateway is the subset of the messaging gateway the manager drives.
type Gateway interface {
	CreateInstance(ctx context.Context, name, webhookURL string) (*gateway.CreatedInstance, error)
	ConnectionState(ctx context.Context, name string) (string, error)
	Connect(ctx context.Context, name string) (*gateway.QRCode, error)
	Restart(ctx context.Context, name string) error
	Logout(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
}

// Cache holds advisory, short-lived per-instance state. A miss is always safe.
type Cache interface {
	GetStatus(ctx context.Context, id uint64) (Status, bool, error)
	SetStatus(ctx context.Context, id uint64, s Status, ttl time.Duration) error
	GetQR(ctx context.Context, id uint64) (*QR, bool, error)
	SetQR(ctx context.Context, id uint64, qr QR, ttl time.Duration) error
	Invalidate(ctx context.Context, id uint64) error
}

// SyncEnqueuer schedules the one-time data import after a connection opens.
type SyncEnqueuer interface {
	EnqueueInitialSync(ctx context.Context, instanceID uint64) error
}

type Options struct {
	WebhookURL string
	StatusTTL  time.Duration
	QRCacheTTL time.Duration
	QRValidity time.Duration
	Now        func() time.Time
}

type Manager struct {
	repo  *Repo
	gw    Gateway
	cache Cache
	sync  SyncEnqueuer
	opts  Options
}

func NewManager(repo *Repo, gw Gateway, cache Cache, sync SyncEnqueuer, opts Options) *Manager {
	if opts.StatusTTL <= 0 {
		opts.StatusTTL = 30 * time.Second
	}
	if opts.QRValidity <= 0 {
		opts.QRValidity = 60 * time.Second
	}
	if opts.QRCacheTTL <= 0 || opts.QRCacheTTL > opts.QRValidity {
		opts.QRCacheTTL = opts.QRValidity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{repo: repo, gw: gw, cache: cache, sync: sync, opts: opts}
}

func (m *Manager) Repo() *Repo { return m.repo }

func (m *Manager) now() time.Time { return m.opts.Now().UTC() }

// Create provisions a gateway instance for userID. A user that already has a
// connecting or connected instance gets that one back.
func (m *Manager) Create(ctx context.Context, userID uint64) (*Instance, error) {
	existing, err := m.repo.ActiveForUser(ctx, userID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := m.now()
	inst := &Instance{
		UserID:          userID,
		Name:            fmt.Sprintf("wa-%d-%d", userID, now.UnixMilli()),
		Status:          StatusCreating,
		StatusChangedAt: &now,
		WebhookURL:      m.opts.WebhookURL,
		Settings:        datatypes.NewJSONType(Settings{}),
	}
	if err := m.repo.Create(ctx, inst); err != nil {
		return nil, err
	}
	log := logrus.WithFields(logrus.Fields{"instance": inst.Name, "instance_id": inst.ID, "user_id": userID})

	created, err := m.gw.CreateInstance(ctx, inst.Name, inst.WebhookURL)
	if err != nil {
		// the failed row stays so the user can see it and restart
		log.WithError(err).Error("[INSTANCE] provider create failed")
		if uerr := m.repo.Update(ctx, inst.ID, map[string]any{
			"status":            StatusFailed,
			"status_changed_at": m.now(),
		}); uerr != nil {
			log.WithError(uerr).Error("[INSTANCE] mark failed")
		}
		inst.Status = StatusFailed
		return inst, fmt.Errorf("create instance: %w", err)
	}

	fields := map[string]any{
		"provider_instance_id": created.InstanceID,
		"status":               StatusConnecting,
		"status_changed_at":    m.now(),
	}
	inst.ProviderInstanceID = created.InstanceID
	inst.Status = StatusConnecting

	var pending *QR
	if created.QR != nil {
		qr := m.buildQR(created.QR)
		pending = &qr
		fields["qr_code"] = qr.Code
		fields["qr_image"] = qr.Image
		fields["qr_expires_at"] = qr.ExpiresAt
	}
	if err := m.repo.Update(ctx, inst.ID, fields); err != nil {
		return nil, err
	}
	m.invalidate(ctx, inst.ID)
	if pending != nil {
		m.cacheQR(ctx, inst.ID, *pending)
	}
	log.Info("[INSTANCE] created")
	return inst, nil
}

// Status returns the reconciled status, preferring a fresh cache entry.
func (m *Manager) Status(ctx context.Context, id uint64) (Status, error) {
	if s, ok, err := m.cache.GetStatus(ctx, id); err == nil && ok {
		return s, nil
	} else if err != nil {
		logrus.WithError(err).WithField("instance_id", id).Warn("[INSTANCE] status cache read failed")
	}

	inst, err := m.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	state, err := m.gw.ConnectionState(ctx, inst.Name)
	if err != nil {
		return "", fmt.Errorf("connection state: %w", err)
	}

	mapped := MapProviderState(state)
	if mapped != inst.Status {
		if err := m.reconcile(ctx, inst, mapped); err != nil {
			return "", err
		}
	}
	if err := m.cache.SetStatus(ctx, id, mapped, m.opts.StatusTTL); err != nil {
		logrus.WithError(err).WithField("instance_id", id).Warn("[INSTANCE] status cache write failed")
	}
	return mapped, nil
}

// reconcile applies a polled status. Discovering an open connection this way
// still runs the connected side effects a missed webhook would have.
func (m *Manager) reconcile(ctx context.Context, inst *Instance, to Status) error {
	logrus.WithFields(logrus.Fields{
		"instance": inst.Name,
		"from":     inst.Status,
		"to":       to,
	}).Info("[INSTANCE] status reconciled from provider")
	if to == StatusConnected {
		return m.OnConnected(ctx, inst.ID, Profile{})
	}
	return m.setStatus(ctx, inst.ID, to, time.Time{})
}

type QRResult struct {
	AlreadyConnected bool `json:"already_connected"`
	QR               *QR  `json:"qr,omitempty"`
}

// QRCode returns a valid pairing payload, or AlreadyConnected when there is
// nothing to pair.
func (m *Manager) QRCode(ctx context.Context, id uint64) (*QRResult, error) {
	inst, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status == StatusConnected {
		return &QRResult{AlreadyConnected: true}, nil
	}

	now := m.now()
	if qr, ok, err := m.cache.GetQR(ctx, id); err == nil && ok && qr.ExpiresAt.After(now) {
		return &QRResult{QR: qr}, nil
	}
	if inst.QRCode != nil && inst.QRExpiresAt != nil && inst.QRExpiresAt.After(now) {
		qr := QR{Code: *inst.QRCode, ExpiresAt: *inst.QRExpiresAt}
		if inst.QRImage != nil {
			qr.Image = *inst.QRImage
		}
		m.cacheQR(ctx, id, qr)
		return &QRResult{QR: &qr}, nil
	}

	fresh, err := m.gw.Connect(ctx, inst.Name)
	if err != nil {
		return nil, fmt.Errorf("request qr: %w", err)
	}
	qr := m.buildQR(fresh)
	fields := map[string]any{
		"qr_code":       qr.Code,
		"qr_image":      qr.Image,
		"qr_expires_at": qr.ExpiresAt,
	}
	if inst.Status != StatusConnecting {
		fields["status"] = StatusConnecting
		fields["status_changed_at"] = now
	}
	if err := m.repo.Update(ctx, id, fields); err != nil {
		return nil, err
	}
	m.invalidate(ctx, id)
	m.cacheQR(ctx, id, qr)
	return &QRResult{QR: &qr}, nil
}

// ApplyQRUpdate stores a QR pushed by the provider. Connected instances ignore it.
func (m *Manager) ApplyQRUpdate(ctx context.Context, name string, code, image, pairing string) error {
	inst, err := m.repo.GetByName(ctx, name)
	if err != nil {
		return err
	}
	if inst.Status == StatusConnected {
		logrus.WithField("instance", name).Info("[INSTANCE] qr update ignored, already connected")
		return nil
	}
	qr := m.buildQR(&gateway.QRCode{Code: code, Base64: image, PairingCode: pairing})
	if err := m.repo.Update(ctx, inst.ID, map[string]any{
		"qr_code":       qr.Code,
		"qr_image":      qr.Image,
		"qr_expires_at": qr.ExpiresAt,
	}); err != nil {
		return err
	}
	m.cacheQR(ctx, inst.ID, qr)
	return nil
}

// ConnectionChange is a provider-reported state transition.
type ConnectionChange struct {
	State string
	// At is the provider time of the change, zero when unknown.
	At      time.Time
	Profile Profile
}

type Profile struct {
	Phone      string
	Name       string
	PictureURL string
}

// ApplyConnectionUpdate applies a webhook connection event. Updates older than
// the last applied provider event are dropped; without a provider timestamp a
// "connecting" report never downgrades "connected".
func (m *Manager) ApplyConnectionUpdate(ctx context.Context, name string, ch ConnectionChange) (Status, bool, error) {
	inst, err := m.repo.GetByName(ctx, name)
	if err != nil {
		return "", false, err
	}
	to := MapProviderState(ch.State)
	log := logrus.WithFields(logrus.Fields{"instance": name, "from": inst.Status, "to": to, "state": ch.State})

	if !ch.At.IsZero() && inst.ProviderStateAt != nil && ch.At.Before(*inst.ProviderStateAt) {
		log.Info("[INSTANCE] stale connection update dropped")
		return inst.Status, false, nil
	}
	if ch.At.IsZero() && inst.Status == StatusConnected && to == StatusConnecting {
		log.Info("[INSTANCE] connecting report ignored for connected instance")
		return inst.Status, false, nil
	}

	if to == StatusConnected {
		if err := m.onConnected(ctx, inst, ch.Profile, ch.At); err != nil {
			return "", false, err
		}
		return to, true, nil
	}
	if err := m.setStatus(ctx, inst.ID, to, ch.At); err != nil {
		return "", false, err
	}
	log.Info("[INSTANCE] connection update applied")
	return to, true, nil
}

// OnConnected persists profile fields, clears the QR and enqueues the initial sync.
// Calling it again just enqueues another sync.
func (m *Manager) OnConnected(ctx context.Context, id uint64, p Profile) error {
	inst, err := m.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	return m.onConnected(ctx, inst, p, time.Time{})
}

func (m *Manager) onConnected(ctx context.Context, inst *Instance, p Profile, providerAt time.Time) error {
	now := m.now()
	fields := map[string]any{
		"status":            StatusConnected,
		"status_changed_at": now,
		"qr_code":           nil,
		"qr_image":          nil,
		"qr_expires_at":     nil,
		"last_seen_at":      now,
	}
	if !providerAt.IsZero() {
		fields["provider_state_at"] = providerAt
	}
	if p.Phone != "" {
		fields["phone_number"] = p.Phone
	}
	if p.Name != "" {
		fields["profile_name"] = p.Name
	}
	if p.PictureURL != "" {
		fields["profile_picture_url"] = p.PictureURL
	}
	if err := m.repo.Update(ctx, inst.ID, fields); err != nil {
		return err
	}
	m.invalidate(ctx, inst.ID)

	log := logrus.WithFields(logrus.Fields{"instance": inst.Name, "instance_id": inst.ID})
	log.Info("[INSTANCE] connected")
	if m.sync != nil {
		if err := m.sync.EnqueueInitialSync(ctx, inst.ID); err != nil {
			log.WithError(err).Error("[INSTANCE] enqueue initial sync failed")
		}
	}
	return nil
}

func (m *Manager) Restart(ctx context.Context, id uint64) error {
	inst, err := m.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := m.gw.Restart(ctx, inst.Name); err != nil {
		return fmt.Errorf("restart instance: %w", err)
	}
	return m.clearAndSet(ctx, inst.ID, StatusConnecting)
}

func (m *Manager) Disconnect(ctx context.Context, id uint64) error {
	inst, err := m.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := m.gw.Logout(ctx, inst.Name); err != nil {
		return fmt.Errorf("logout instance: %w", err)
	}
	return m.clearAndSet(ctx, inst.ID, StatusDisconnected)
}

// Delete removes the instance locally even when the provider call fails.
func (m *Manager) Delete(ctx context.Context, id uint64) error {
	inst, err := m.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := m.gw.Delete(ctx, inst.Name); err != nil {
		logrus.WithError(err).WithField("instance", inst.Name).Warn("[INSTANCE] provider delete failed, removing locally")
	}
	if err := m.repo.Delete(ctx, inst.ID); err != nil {
		return err
	}
	m.invalidate(ctx, inst.ID)
	return nil
}

func (m *Manager) UpdateSettings(ctx context.Context, id uint64, s Settings) error {
	if _, err := m.repo.Get(ctx, id); err != nil {
		return err
	}
	return m.repo.UpdateSettings(ctx, id, s)
}

type HealthReport struct {
	Checked   int      `json:"checked"`
	Corrected []string `json:"corrected"`
	Errors    int      `json:"errors"`
}

// HealthCheckAll re-derives the live state of every locally connected instance
// and marks the ones that are not actually connected as disconnected. Instances
// the provider cannot answer for are left untouched.
func (m *Manager) HealthCheckAll(ctx context.Context) (HealthReport, error) {
	var report HealthReport
	list, err := m.repo.ListByStatus(ctx, StatusConnected)
	if err != nil {
		return report, err
	}
	for _, inst := range list {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++
		log := logrus.WithFields(logrus.Fields{"instance": inst.Name, "instance_id": inst.ID})

		state, err := m.gw.ConnectionState(ctx, inst.Name)
		if err != nil {
			report.Errors++
			log.WithError(err).Warn("[HEALTH] connection state unavailable")
			continue
		}
		if MapProviderState(state) == StatusConnected {
			continue
		}
		if err := m.setStatus(ctx, inst.ID, StatusDisconnected, time.Time{}); err != nil {
			report.Errors++
			log.WithError(err).Error("[HEALTH] mark disconnected")
			continue
		}
		report.Corrected = append(report.Corrected, inst.Name)
		log.WithField("state", state).Warn("[HEALTH] instance was not connected, marked disconnected")
	}
	return report, nil
}

// setStatus stamps status_changed_at locally. providerAt, when known, is kept
// apart so webhook ordering only ever compares provider clocks.
func (m *Manager) setStatus(ctx context.Context, id uint64, to Status, providerAt time.Time) error {
	fields := map[string]any{"status": to, "status_changed_at": m.now()}
	if !providerAt.IsZero() {
		fields["provider_state_at"] = providerAt
	}
	if to == StatusConnected {
		fields["qr_code"] = nil
		fields["qr_image"] = nil
		fields["qr_expires_at"] = nil
	}
	if err := m.repo.Update(ctx, id, fields); err != nil {
		return err
	}
	m.invalidate(ctx, id)
	return nil
}

func (m *Manager) clearAndSet(ctx context.Context, id uint64, to Status) error {
	if err := m.repo.Update(ctx, id, map[string]any{
		"status":            to,
		"status_changed_at": m.now(),
		"qr_code":           nil,
		"qr_image":          nil,
		"qr_expires_at":     nil,
	}); err != nil {
		return err
	}
	m.invalidate(ctx, id)
	return nil
}

func (m *Manager) buildQR(src *gateway.QRCode) QR {
	qr := QR{
		Code:        src.Code,
		Image:       src.Base64,
		PairingCode: src.PairingCode,
		ExpiresAt:   m.now().Add(m.opts.QRValidity),
	}
	if qr.Image == "" && qr.Code != "" {
		img, err := RenderQR(qr.Code)
		if err != nil {
			logrus.WithError(err).Warn("[INSTANCE] render qr")
		} else {
			qr.Image = img
		}
	}
	return qr
}

func (m *Manager) cacheQR(ctx context.Context, id uint64, qr QR) {
	if err := m.cache.SetQR(ctx, id, qr, m.opts.QRCacheTTL); err != nil {
		logrus.WithError(err).WithField("instance_id", id).Warn("[INSTANCE] qr cache write failed")
	}
}

func (m *Manager) invalidate(ctx context.Context, id uint64) {
	if err := m.cache.Invalidate(ctx, id); err != nil {
		logrus.WithError(err).WithField("instance_id", id).Warn("[INSTANCE] cache invalidation failed")
	}
}
