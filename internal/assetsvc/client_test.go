package assetsvc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestByTagDecodesAssetsAndDevices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tenants/t1/assets-by-tags", r.URL.Path)
		require.Equal(t, "site-a", r.URL.Query().Get("tags"))
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"assets":  []map[string]any{{"id": "a1", "integrationType": "meraki", "assetType": "network"}},
			"devices": []map[string]any{{"id": "d1", "integrationType": "meraki", "deviceSerial": "S1"}},
		})
	}))
	defer srv.Close()

	c := New(srv.Client(), srv.URL, nil)
	out, err := c.ByTag(context.Background(), "t1", "tok", "site-a")
	require.NoError(t, err)
	require.Len(t, out.Assets, 1)
	require.Len(t, out.Devices, 1)
	require.Equal(t, "network", out.Assets[0].AssetType)
	require.Equal(t, "S1", out.Devices[0].DeviceSerial)
}

func TestByTagUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(srv.Client(), srv.URL, nil)
	_, err := c.ByTag(context.Background(), "t1", "tok", "site-a")
	require.Error(t, err)
}
