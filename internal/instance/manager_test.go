package instance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/agentdesk/internal/gateway"
	"gorm.io/gorm"
)

type fakeGateway struct {
	createErr  error
	createQR   *gateway.QRCode
	states     map[string]string
	stateErr   map[string]error
	connectQR  *gateway.QRCode
	connects   int
	restarts   int
	restartErr error
	logoutErr  error
	deleteErr  error
	deleted    []string
}

func (g *fakeGateway) CreateInstance(ctx context.Context, name, webhookURL string) (*gateway.CreatedInstance, error) {
	if g.createErr != nil {
		return nil, g.createErr
	}
	return &gateway.CreatedInstance{InstanceName: name, InstanceID: "prov-" + name, QR: g.createQR}, nil
}

func (g *fakeGateway) ConnectionState(ctx context.Context, name string) (string, error) {
	if err := g.stateErr[name]; err != nil {
		return "", err
	}
	return g.states[name], nil
}

func (g *fakeGateway) Connect(ctx context.Context, name string) (*gateway.QRCode, error) {
	g.connects++
	return g.connectQR, nil
}

func (g *fakeGateway) Restart(ctx context.Context, name string) error {
	g.restarts++
	return g.restartErr
}

func (g *fakeGateway) Logout(ctx context.Context, name string) error { return g.logoutErr }

func (g *fakeGateway) Delete(ctx context.Context, name string) error {
	g.deleted = append(g.deleted, name)
	return g.deleteErr
}

type mapCache struct {
	mu     sync.Mutex
	status map[uint64]Status
	qr     map[uint64]QR
}

func newMapCache() *mapCache {
	return &mapCache{status: map[uint64]Status{}, qr: map[uint64]QR{}}
}

func (c *mapCache) GetStatus(ctx context.Context, id uint64) (Status, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.status[id]
	return s, ok, nil
}

func (c *mapCache) SetStatus(ctx context.Context, id uint64, s Status, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status[id] = s
	return nil
}

func (c *mapCache) GetQR(ctx context.Context, id uint64) (*QR, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	qr, ok := c.qr[id]
	if !ok {
		return nil, false, nil
	}
	return &qr, true, nil
}

func (c *mapCache) SetQR(ctx context.Context, id uint64, qr QR, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.qr[id] = qr
	return nil
}

func (c *mapCache) Invalidate(ctx context.Context, id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.status, id)
	delete(c.qr, id)
	return nil
}

type countingSync struct{ calls []uint64 }

func (s *countingSync) EnqueueInitialSync(ctx context.Context, id uint64) error {
	s.calls = append(s.calls, id)
	return nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Instance{}))
	return db
}

type fixture struct {
	mgr   *Manager
	repo  *Repo
	gw    *fakeGateway
	cache *mapCache
	sync  *countingSync
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		repo:  NewRepo(openTestDB(t)),
		gw:    &fakeGateway{states: map[string]string{}, stateErr: map[string]error{}},
		cache: newMapCache(),
		sync:  &countingSync{},
		now:   time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC),
	}
	f.mgr = NewManager(f.repo, f.gw, f.cache, f.sync, Options{
		WebhookURL: "http://svc/webhooks/whatsapp",
		QRValidity: time.Minute,
		Now:        func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) seed(t *testing.T, name string, status Status) *Instance {
	t.Helper()
	changed := f.now.Add(-time.Hour)
	inst := &Instance{UserID: 1, Name: name, Status: status, StatusChangedAt: &changed}
	require.NoError(t, f.repo.Create(context.Background(), inst))
	return inst
}

func TestMapProviderState(t *testing.T) {
	cases := map[string]Status{
		"open":       StatusConnected,
		"OPEN":       StatusConnected,
		"close":      StatusDisconnected,
		"connecting": StatusConnecting,
		"refused":    StatusFailed,
		"weird":      StatusFailed,
		"":           StatusFailed,
	}
	for in, want := range cases {
		assert.Equal(t, want, MapProviderState(in), "state %q", in)
	}
}

func TestCreate_ProviderFailureKeepsFailedRow(t *testing.T) {
	f := newFixture(t)
	f.gw.createErr = errors.New("boom")

	inst, err := f.mgr.Create(context.Background(), 7)
	require.Error(t, err)
	require.NotNil(t, inst)

	stored, err := f.repo.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
}

func TestCreate_ReturnsExistingActiveInstance(t *testing.T) {
	f := newFixture(t)
	existing := f.seed(t, "wa-1-old", StatusConnected)

	inst, err := f.mgr.Create(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, inst.ID)
}

func TestCreate_StoresQRAndMovesToConnecting(t *testing.T) {
	f := newFixture(t)
	f.gw.createQR = &gateway.QRCode{Code: "2@abc", Base64: "data:image/png;base64,AAA"}

	inst, err := f.mgr.Create(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, StatusConnecting, inst.Status)

	stored, err := f.repo.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.QRCode)
	assert.Equal(t, "2@abc", *stored.QRCode)
	assert.Equal(t, "prov-"+inst.Name, stored.ProviderInstanceID)

	res, err := f.mgr.QRCode(context.Background(), inst.ID)
	require.NoError(t, err)
	require.NotNil(t, res.QR)
	assert.Equal(t, "2@abc", res.QR.Code)
	assert.Zero(t, f.gw.connects)
}

func TestQRCode_ConnectedInstanceHasNoQR(t *testing.T) {
	f := newFixture(t)
	inst := f.seed(t, "wa-1-a", StatusConnected)
	f.gw.connectQR = &gateway.QRCode{Code: "should-not-be-used"}

	res, err := f.mgr.QRCode(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.True(t, res.AlreadyConnected)
	assert.Nil(t, res.QR)
	assert.Zero(t, f.gw.connects)
}

func TestQRCode_RendersImageWhenProviderSendsOnlyCode(t *testing.T) {
	f := newFixture(t)
	inst := f.seed(t, "wa-1-b", StatusDisconnected)
	f.gw.connectQR = &gateway.QRCode{Code: "2@pairing"}

	res, err := f.mgr.QRCode(context.Background(), inst.ID)
	require.NoError(t, err)
	require.NotNil(t, res.QR)
	assert.True(t, strings.HasPrefix(res.QR.Image, "data:image/png;base64,"))
	assert.Equal(t, f.now.Add(time.Minute), res.QR.ExpiresAt)

	stored, err := f.repo.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConnecting, stored.Status)
}

func TestApplyQRUpdate_IgnoredWhenConnected(t *testing.T) {
	f := newFixture(t)
	inst := f.seed(t, "wa-1-c", StatusConnected)

	require.NoError(t, f.mgr.ApplyQRUpdate(context.Background(), inst.Name, "2@late", "", ""))

	stored, err := f.repo.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.QRCode)
}

func TestApplyConnectionUpdate_OpenClearsQRAndEnqueuesSync(t *testing.T) {
	f := newFixture(t)
	inst := f.seed(t, "wa-1-d", StatusConnecting)
	require.NoError(t, f.mgr.ApplyQRUpdate(context.Background(), inst.Name, "2@x", "img", ""))

	status, applied, err := f.mgr.ApplyConnectionUpdate(context.Background(), inst.Name, ConnectionChange{
		State:   "open",
		Profile: Profile{Phone: "5511999999999", Name: "Shop"},
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, StatusConnected, status)

	stored, err := f.repo.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, stored.Status)
	assert.Nil(t, stored.QRCode)
	assert.Nil(t, stored.QRImage)
	assert.Equal(t, "5511999999999", stored.PhoneNumber)
	assert.Equal(t, "Shop", stored.ProfileName)
	assert.Equal(t, []uint64{inst.ID}, f.sync.calls)

	_, ok, _ := f.cache.GetQR(context.Background(), inst.ID)
	assert.False(t, ok)
}

func TestApplyConnectionUpdate_Ordering(t *testing.T) {
	f := newFixture(t)
	inst := f.seed(t, "wa-1-e", StatusConnecting)

	status, applied, err := f.mgr.ApplyConnectionUpdate(context.Background(), inst.Name, ConnectionChange{
		State: "open",
		At:    f.now.Add(-time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, StatusConnected, status)

	// no timestamp: a connecting report does not downgrade
	_, applied, err = f.mgr.ApplyConnectionUpdate(context.Background(), inst.Name, ConnectionChange{State: "connecting"})
	require.NoError(t, err)
	assert.False(t, applied)

	// older than the last applied provider event
	_, applied, err = f.mgr.ApplyConnectionUpdate(context.Background(), inst.Name, ConnectionChange{
		State: "close",
		At:    f.now.Add(-2 * time.Hour),
	})
	require.NoError(t, err)
	assert.False(t, applied)

	status, applied, err = f.mgr.ApplyConnectionUpdate(context.Background(), inst.Name, ConnectionChange{
		State: "close",
		At:    f.now,
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, StatusDisconnected, status)

	stored, err := f.repo.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ProviderStateAt)
	assert.True(t, stored.ProviderStateAt.Equal(f.now))
}

func TestRestart_ClearsQRAndAcceptsOpenFromRoundTrip(t *testing.T) {
	f := newFixture(t)
	inst := f.seed(t, "wa-1-r", StatusDisconnected)
	_, applied, err := f.mgr.ApplyConnectionUpdate(context.Background(), inst.Name, ConnectionChange{
		State: "close",
		At:    f.now.Add(-time.Hour),
	})
	require.NoError(t, err)
	require.True(t, applied)
	require.NoError(t, f.mgr.ApplyQRUpdate(context.Background(), inst.Name, "2@old", "img", ""))

	require.NoError(t, f.mgr.Restart(context.Background(), inst.ID))
	assert.Equal(t, 1, f.gw.restarts)

	stored, err := f.repo.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConnecting, stored.Status)
	assert.Nil(t, stored.QRCode)
	_, ok, _ := f.cache.GetQR(context.Background(), inst.ID)
	assert.False(t, ok)

	// the provider stamped "open" before the restart call returned locally
	status, applied, err := f.mgr.ApplyConnectionUpdate(context.Background(), inst.Name, ConnectionChange{
		State: "open",
		At:    f.now.Add(-time.Second),
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, StatusConnected, status)
}

func TestRestart_ProviderErrorLeavesStatus(t *testing.T) {
	f := newFixture(t)
	inst := f.seed(t, "wa-1-s", StatusDisconnected)
	f.gw.restartErr = &gateway.APIError{Status: 500, Message: "down"}

	require.Error(t, f.mgr.Restart(context.Background(), inst.ID))
	got, err := f.repo.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDisconnected, got.Status)
}

func TestOnConnected_DropsCachedQR(t *testing.T) {
	f := newFixture(t)
	inst := f.seed(t, "wa-1-q", StatusConnecting)
	f.gw.connectQR = &gateway.QRCode{Code: "2@pair", Base64: "data:image/png;base64,AAA"}

	res, err := f.mgr.QRCode(context.Background(), inst.ID)
	require.NoError(t, err)
	require.NotNil(t, res.QR)
	_, ok, _ := f.cache.GetQR(context.Background(), inst.ID)
	require.True(t, ok)

	require.NoError(t, f.mgr.OnConnected(context.Background(), inst.ID, Profile{Phone: "5511"}))

	_, ok, _ = f.cache.GetQR(context.Background(), inst.ID)
	assert.False(t, ok)
	stored, err := f.repo.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, stored.Status)
	assert.Nil(t, stored.QRCode)
	assert.Nil(t, stored.QRImage)
	assert.Nil(t, stored.QRExpiresAt)

	res, err = f.mgr.QRCode(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.True(t, res.AlreadyConnected)
	assert.Nil(t, res.QR)
	assert.Equal(t, 1, f.gw.connects)
}

func TestStatus_PollReconcilesAndCaches(t *testing.T) {
	f := newFixture(t)
	inst := f.seed(t, "wa-1-f", StatusConnecting)
	f.gw.states[inst.Name] = "open"

	s, err := f.mgr.Status(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, s)
	assert.Len(t, f.sync.calls, 1)

	cached, ok, _ := f.cache.GetStatus(context.Background(), inst.ID)
	require.True(t, ok)
	assert.Equal(t, StatusConnected, cached)

	// served from cache even though the provider changed its mind
	f.gw.states[inst.Name] = "close"
	s, err = f.mgr.Status(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, s)
}

func TestHealthCheckAll(t *testing.T) {
	f := newFixture(t)
	ok := f.seed(t, "wa-1-ok", StatusConnected)
	stale := f.seed(t, "wa-1-stale", StatusConnected)
	flaky := f.seed(t, "wa-1-flaky", StatusConnected)
	f.gw.states[ok.Name] = "open"
	f.gw.states[stale.Name] = "close"
	f.gw.stateErr[flaky.Name] = errors.New("timeout")

	report, err := f.mgr.HealthCheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, []string{stale.Name}, report.Corrected)

	got, err := f.repo.Get(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDisconnected, got.Status)

	got, err = f.repo.Get(context.Background(), flaky.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, got.Status)
}

func TestDisconnect_ProviderErrorLeavesStatus(t *testing.T) {
	f := newFixture(t)
	inst := f.seed(t, "wa-1-g", StatusConnected)
	f.gw.logoutErr = &gateway.APIError{Status: 500, Message: "down"}

	require.Error(t, f.mgr.Disconnect(context.Background(), inst.ID))
	got, err := f.repo.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, got.Status)
}

func TestDelete_RemovesLocallyWhenProviderFails(t *testing.T) {
	f := newFixture(t)
	inst := f.seed(t, "wa-1-h", StatusDisconnected)
	f.gw.deleteErr = errors.New("gone")

	require.NoError(t, f.mgr.Delete(context.Background(), inst.ID))
	_, err := f.repo.Get(context.Background(), inst.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{inst.Name}, f.gw.deleted)
}
