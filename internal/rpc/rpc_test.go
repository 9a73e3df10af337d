package rpc_test

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicksinger/wicked/internal/event"
	"github.com/nicksinger/wicked/internal/inventory"
	"github.com/nicksinger/wicked/internal/policy"
	"github.com/nicksinger/wicked/internal/rpc"
)

type fakeBackend struct {
	devices  []inventory.Device
	policies map[string]policy.Policy
}

func (f *fakeBackend) Devices() []inventory.Device { return f.devices }

func (f *fakeBackend) DeviceByIdent(ident string) (inventory.Device, bool) {
	for _, d := range f.devices {
		if d.Name == ident {
			return d, true
		}
	}
	return inventory.Device{}, false
}

func (f *fakeBackend) IfUp(int) error                 { return nil }
func (f *fakeBackend) IfDown(int, bool) error         { return nil }
func (f *fakeBackend) InstallLease(int, []byte) error { return nil }
func (f *fakeBackend) PutPolicy(p policy.Policy) error {
	f.policies[p.ID] = p
	return nil
}
func (f *fakeBackend) DeletePolicy(id string) error {
	delete(f.policies, id)
	return nil
}
func (f *fakeBackend) ListPolicies() []policy.Policy {
	var out []policy.Policy
	for _, p := range f.policies {
		out = append(out, p)
	}
	return out
}

func newTestService(t *testing.T) (*rpc.Service, string) {
	t.Helper()
	backend := &fakeBackend{
		devices:  []inventory.Device{{Index: 1, Name: "eth0"}},
		policies: make(map[string]policy.Policy),
	}
	addr := filepath.Join(t.TempDir(), "netifd.sock")
	svc := rpc.New(slog.Default(), backend, event.NewQueue(8), addr, nil)
	return svc, addr
}

func TestDeviceUnknownReturnsBadRequest(t *testing.T) {
	svc, addr := newTestService(t)
	require.NoError(t, svc.Start(t.Context()))
	defer svc.Shutdown(t.Context())

	client := unixClient(addr)
	resp, err := client.Post("http://unix/devices/does-not-exist/ifup", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIfUpKnownDeviceAccepted(t *testing.T) {
	svc, addr := newTestService(t)
	require.NoError(t, svc.Start(t.Context()))
	defer svc.Shutdown(t.Context())

	client := unixClient(addr)
	resp, err := client.Post("http://unix/devices/eth0/ifup", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func unixClient(addr string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", addr)
			},
		},
	}
}
